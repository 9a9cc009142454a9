// Package evm executes staking through the Subtensor EVM staking precompile.
package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/stakechat/internal/chain"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/shopspring/decimal"
)

// ratePlaces is the precision of derived TAO-per-alpha rates.
const ratePlaces = 18

// Backend is the subset of *ethclient.Client the staking client needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type Config struct {
	StakingPrecompile string
	AlphaPrecompile   string
	// DefaultHotkey is staked to when a request names no validator.
	DefaultHotkey string
	// Hotkeys and Netuids bound the positions scanned by Balance.
	Hotkeys        []string
	Netuids        []int
	GasMultiplier  float64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

type Client struct {
	backend Backend
	cfg     Config
	signers map[string]Signer
	staking common.Address
	alpha   common.Address
	logger  *slog.Logger

	// sendMu keeps nonces in order across concurrent requests.
	sendMu sync.Mutex
}

// Dial connects to rpcURL and returns a client for the given wallets.
func Dial(ctx context.Context, rpcURL string, cfg Config, signers map[string]Signer, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, clierr.New(clierr.CodeUsage, "missing rpc url")
	}
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return New(backend, cfg, signers, logger), nil
}

func New(backend Backend, cfg Config, signers map[string]Signer, logger *slog.Logger) *Client {
	if cfg.GasMultiplier <= 1 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		signers: signers,
		staking: parseAddress(cfg.StakingPrecompile, DefaultStakingPrecompile),
		alpha:   parseAddress(cfg.AlphaPrecompile, DefaultAlphaPrecompile),
		logger:  logger,
	}
}

var _ chain.Client = (*Client)(nil)

func (c *Client) AddStake(ctx context.Context, wallet string, tao decimal.Decimal, netuid int, hotkey string) (chain.StakeResult, error) {
	s, err := c.signer(wallet)
	if err != nil {
		return chain.StakeResult{}, err
	}
	hotkey, hk, err := c.hotkey(hotkey)
	if err != nil {
		return chain.Failed(err.Error()), nil
	}
	rao, err := ToBaseUnits(tao, RaoDecimals)
	if err != nil || rao.Sign() <= 0 {
		return chain.Failed("amount must be positive"), nil
	}
	coldkey := MirrorColdkey(s.Address())

	before, err := c.stakeOf(ctx, hk, coldkey, netuid)
	if err != nil {
		return chain.StakeResult{}, err
	}
	data, err := stakingABI.Pack("addStake", hk, rao, big.NewInt(int64(netuid)))
	if err != nil {
		return chain.StakeResult{}, clierr.Wrap(clierr.CodeInternal, "encode addStake", err)
	}
	receipt, reason, err := c.send(ctx, s, data)
	if err != nil {
		return chain.StakeResult{}, err
	}
	if reason != "" {
		return chain.Failed(reason), nil
	}
	after, err := c.stakeOf(ctx, hk, coldkey, netuid)
	if err != nil {
		return chain.StakeResult{}, err
	}

	alpha := FromBaseUnits(new(big.Int).Sub(after, before), RaoDecimals)
	tao = FromBaseUnits(rao, RaoDecimals)
	return chain.StakeResult{
		OK:          true,
		TaoAmount:   tao,
		AlphaAmount: alpha,
		Netuid:      netuid,
		Hotkey:      hotkey,
		Rate:        ratio(tao, alpha),
		TxHash:      receipt.TxHash.Hex(),
	}, nil
}

func (c *Client) RemoveStake(ctx context.Context, wallet string, netuid int, amount *decimal.Decimal, hotkey string) (chain.StakeResult, error) {
	s, err := c.signer(wallet)
	if err != nil {
		return chain.StakeResult{}, err
	}
	hotkey, hk, err := c.hotkey(hotkey)
	if err != nil {
		return chain.Failed(err.Error()), nil
	}
	coldkey := MirrorColdkey(s.Address())

	held, err := c.stakeOf(ctx, hk, coldkey, netuid)
	if err != nil {
		return chain.StakeResult{}, err
	}
	if held.Sign() == 0 {
		return chain.Failed(fmt.Sprintf("no stake on subnet %d", netuid)), nil
	}
	sell := new(big.Int).Set(held)
	if amount != nil {
		sell, err = ToBaseUnits(*amount, RaoDecimals)
		if err != nil || sell.Sign() <= 0 {
			return chain.Failed("amount must be positive"), nil
		}
		if sell.Cmp(held) > 0 {
			return chain.Failed(fmt.Sprintf("insufficient stake: %s α held", FormatBaseUnits(held, RaoDecimals))), nil
		}
	}

	balBefore, err := c.backend.BalanceAt(ctx, s.Address(), nil)
	if err != nil {
		return chain.StakeResult{}, clierr.Wrap(clierr.CodeUnavailable, "read balance", err)
	}
	data, err := stakingABI.Pack("removeStake", hk, sell, big.NewInt(int64(netuid)))
	if err != nil {
		return chain.StakeResult{}, clierr.Wrap(clierr.CodeInternal, "encode removeStake", err)
	}
	receipt, reason, err := c.send(ctx, s, data)
	if err != nil {
		return chain.StakeResult{}, err
	}
	if reason != "" {
		return chain.Failed(reason), nil
	}
	balAfter, err := c.backend.BalanceAt(ctx, s.Address(), nil)
	if err != nil {
		return chain.StakeResult{}, clierr.Wrap(clierr.CodeUnavailable, "read balance", err)
	}

	// Received TAO is the balance delta with the gas fee added back.
	received := new(big.Int).Sub(balAfter, balBefore)
	received.Add(received, gasFee(receipt))
	tao := FromBaseUnits(received, WeiDecimals)
	alpha := FromBaseUnits(sell, RaoDecimals)
	return chain.StakeResult{
		OK:          true,
		TaoAmount:   tao,
		AlphaAmount: alpha,
		Netuid:      netuid,
		Hotkey:      hotkey,
		Rate:        ratio(tao, alpha),
		TxHash:      receipt.TxHash.Hex(),
	}, nil
}

func (c *Client) Balance(ctx context.Context, wallet string) (chain.Balance, error) {
	s, err := c.signer(wallet)
	if err != nil {
		return chain.Balance{}, err
	}
	free, err := c.backend.BalanceAt(ctx, s.Address(), nil)
	if err != nil {
		return chain.Balance{}, clierr.Wrap(clierr.CodeUnavailable, "read balance", err)
	}
	out := chain.Balance{Address: s.Address().Hex(), FreeTao: FromBaseUnits(free, WeiDecimals)}

	coldkey := MirrorColdkey(s.Address())
	rates := map[int]decimal.Decimal{}
	for _, hotkey := range c.knownHotkeys() {
		hk, err := DecodeSS58(hotkey)
		if err != nil {
			c.logger.Warn("skip invalid hotkey", "hotkey", hotkey, "err", err)
			continue
		}
		for _, netuid := range c.cfg.Netuids {
			stake, err := c.stakeOf(ctx, hk, coldkey, netuid)
			if err != nil {
				return chain.Balance{}, err
			}
			if stake.Sign() == 0 {
				continue
			}
			rate, ok := rates[netuid]
			if !ok {
				rate, err = c.ExchangeRate(ctx, netuid)
				if err != nil {
					c.logger.Debug("alpha price unavailable", "netuid", netuid, "err", err)
					rate = decimal.Zero
				}
				rates[netuid] = rate
			}
			alpha := FromBaseUnits(stake, RaoDecimals)
			out.Positions = append(out.Positions, chain.Position{
				Netuid:   netuid,
				Hotkey:   hotkey,
				Alpha:    alpha,
				TaoValue: alpha.Mul(rate),
				Rate:     rate,
			})
		}
	}
	sort.SliceStable(out.Positions, func(i, j int) bool { return out.Positions[i].Netuid < out.Positions[j].Netuid })
	return out, nil
}

func (c *Client) ExchangeRate(ctx context.Context, netuid int) (decimal.Decimal, error) {
	if netuid < 0 || netuid > 0xffff {
		return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("netuid %d out of range", netuid))
	}
	data, err := alphaABI.Pack("getAlphaPrice", uint16(netuid))
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeInternal, "encode getAlphaPrice", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.alpha, Data: data}, nil)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUnavailable, "read alpha price", err)
	}
	price, err := unpackUint(alphaABI.Unpack("getAlphaPrice", out))
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUnavailable, "decode alpha price", err)
	}
	return FromBaseUnits(price, RaoDecimals), nil
}

func (c *Client) Address(_ context.Context, wallet string) (string, error) {
	s, err := c.signer(wallet)
	if err != nil {
		return "", err
	}
	return s.Address().Hex(), nil
}

// ChainID reports the id of the network the RPC endpoint serves.
func (c *Client) ChainID(ctx context.Context) (int64, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	return id.Int64(), nil
}

// Coldkey returns the substrate address that holds the wallet's stake.
func (c *Client) Coldkey(wallet string) (string, error) {
	s, err := c.signer(wallet)
	if err != nil {
		return "", err
	}
	return EncodeSS58(MirrorColdkey(s.Address()), SubstrateNetworkPrefix), nil
}

func (c *Client) signer(wallet string) (Signer, error) {
	s, ok := c.signers[wallet]
	if !ok || s == nil {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("no signing key loaded for wallet %q", wallet))
	}
	return s, nil
}

func (c *Client) hotkey(requested string) (string, [32]byte, error) {
	hotkey := strings.TrimSpace(requested)
	if hotkey == "" {
		hotkey = c.cfg.DefaultHotkey
	}
	if hotkey == "" {
		return "", [32]byte{}, fmt.Errorf("no validator hotkey configured")
	}
	hk, err := DecodeSS58(hotkey)
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("invalid validator hotkey %s", hotkey)
	}
	return hotkey, hk, nil
}

func (c *Client) knownHotkeys() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(c.cfg.Hotkeys)+1)
	for _, hk := range append([]string{c.cfg.DefaultHotkey}, c.cfg.Hotkeys...) {
		hk = strings.TrimSpace(hk)
		if hk == "" {
			continue
		}
		if _, dup := seen[hk]; dup {
			continue
		}
		seen[hk] = struct{}{}
		out = append(out, hk)
	}
	return out
}

func (c *Client) stakeOf(ctx context.Context, hotkey, coldkey [32]byte, netuid int) (*big.Int, error) {
	data, err := stakingABI.Pack("getStake", hotkey, coldkey, big.NewInt(int64(netuid)))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode getStake", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.staking, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read stake", err)
	}
	stake, err := unpackUint(stakingABI.Unpack("getStake", out))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode stake", err)
	}
	return stake, nil
}

// send signs and broadcasts a call to the staking precompile and waits for
// its receipt. A non-empty reason means the chain rejected the call.
func (c *Client) send(ctx context.Context, s Signer, data []byte) (*types.Receipt, string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	msg := ethereum.CallMsg{From: s.Address(), To: &c.staking, Value: new(big.Int), Data: data}
	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, rejection(err), nil
	}
	gasLimit = uint64(float64(gasLimit) * c.cfg.GasMultiplier)

	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := c.backend.PendingNonceAt(ctx, s.Address())
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &c.staking,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := s.SignTx(chainID, tx)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	c.logger.Info("transaction submitted", "tx_hash", signed.Hash().Hex(), "nonce", nonce)

	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, "transaction reverted on-chain (" + signed.Hash().Hex() + ")", nil
	}
	return receipt, "", nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt poll failed", "tx_hash", hash.Hex(), "err", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, clierr.Wrap(clierr.CodeUnavailable, "timed out waiting for receipt "+hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func unpackUint(values []any, err error) (*big.Int, error) {
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("expected one return value, got %d", len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type %T", values[0])
	}
	return v, nil
}

func gasFee(r *types.Receipt) *big.Int {
	if r == nil || r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

// rejection turns an estimate failure into a message for the user.
func rejection(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "transaction rejected"
	}
	return msg
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, ratePlaces)
}
