package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/stakechat/internal/errors"
	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func decEq(d decimal.Decimal, want string) bool { return d.Equal(dec(want)) }

const (
	testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	aliceSS58      = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
)

var gwei = big.NewInt(1_000_000_000)

// fakeChain prices alpha at 0.5 TAO and charges a fixed gas fee.
type fakeChain struct {
	mu           sync.Mutex
	stakes       map[[32]byte]*big.Int
	balance      *big.Int
	sent         []*types.Transaction
	estimateErr  error
	revert       bool
	pendingPolls int
}

func newFakeChain() *fakeChain {
	tenTao := new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return &fakeChain{stakes: map[[32]byte]*big.Int{}, balance: tenTao}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(964), nil }

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := stakingABI.Methods["getStake"]; bytes.HasPrefix(msg.Data, m.ID) {
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		hk := args[0].([32]byte)
		stake := f.stakes[hk]
		if stake == nil {
			stake = new(big.Int)
		}
		return m.Outputs.Pack(stake)
	}
	if m := alphaABI.Methods["getAlphaPrice"]; bytes.HasPrefix(msg.Data, m.ID) {
		return m.Outputs.Pack(big.NewInt(500_000_000))
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: gwei}, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.pendingPolls = 1
	if f.revert {
		return nil
	}
	for _, name := range []string{"addStake", "removeStake"} {
		m := stakingABI.Methods[name]
		if !bytes.HasPrefix(tx.Data(), m.ID) {
			continue
		}
		args, err := m.Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			return err
		}
		hk := args[0].([32]byte)
		amount := args[1].(*big.Int)
		if f.stakes[hk] == nil {
			f.stakes[hk] = new(big.Int)
		}
		if name == "addStake" {
			f.stakes[hk].Add(f.stakes[hk], new(big.Int).Mul(amount, big.NewInt(2)))
			f.balance.Sub(f.balance, RaoToWei(amount))
		} else {
			f.stakes[hk].Sub(f.stakes[hk], amount)
			f.balance.Add(f.balance, new(big.Int).Div(RaoToWei(amount), big.NewInt(2)))
		}
	}
	f.balance.Sub(f.balance, new(big.Int).Mul(big.NewInt(21_000), gwei))
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: hash, GasUsed: 21_000, EffectiveGasPrice: gwei}, nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	t.Setenv("TEST_STAKE_KEY", testPrivateKey)
	s, err := NewLocalSigner(KeyConfig{Source: KeySourceEnv, PrivateKeyEnv: "TEST_STAKE_KEY"})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return New(backend, Config{
		DefaultHotkey: aliceSS58,
		Netuids:       []int{31},
		PollInterval:  time.Millisecond,
	}, map[string]Signer{"main": s}, nil)
}

func TestAddThenRemoveAllStake(t *testing.T) {
	ctx := context.Background()
	fake := newFakeChain()
	c := newTestClient(t, fake)

	res, err := c.AddStake(ctx, "main", dec("0.5"), 31, "")
	if err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}
	if !res.OK || !decEq(res.AlphaAmount, "1") || !decEq(res.Rate, "0.5") || res.Hotkey != aliceSS58 {
		t.Fatalf("unexpected stake result: %+v", res)
	}
	if res.TxHash == "" {
		t.Fatal("expected tx hash")
	}

	bal, err := c.Balance(ctx, "main")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if len(bal.Positions) != 1 || !decEq(bal.Positions[0].Alpha, "1") || !decEq(bal.Positions[0].TaoValue, "0.5") {
		t.Fatalf("unexpected positions: %+v", bal.Positions)
	}

	res, err = c.RemoveStake(ctx, "main", 31, nil, "")
	if err != nil {
		t.Fatalf("RemoveStake failed: %v", err)
	}
	if !res.OK || !decEq(res.AlphaAmount, "1") || !decEq(res.TaoAmount, "0.5") {
		t.Fatalf("unexpected unstake result: %+v", res)
	}
	if len(fake.sent) != 2 {
		t.Fatalf("expected two transactions, got %d", len(fake.sent))
	}
	tx := fake.sent[1]
	if tx.Type() != types.DynamicFeeTxType || tx.Nonce() != 1 || tx.Gas() != 60_000 {
		t.Fatalf("unexpected tx shape: type=%d nonce=%d gas=%d", tx.Type(), tx.Nonce(), tx.Gas())
	}
	if *tx.To() != common.HexToAddress(DefaultStakingPrecompile) {
		t.Fatalf("unexpected tx target %s", tx.To().Hex())
	}
}

func TestRemoveStakeRejections(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeChain())

	res, err := c.RemoveStake(ctx, "main", 31, nil, "")
	if err != nil {
		t.Fatalf("RemoveStake failed: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection without stake")
	}

	if _, err := c.AddStake(ctx, "main", dec("1"), 31, ""); err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}
	tooMuch := dec("5")
	res, _ = c.RemoveStake(ctx, "main", 31, &tooMuch, "")
	if res.OK {
		t.Fatal("expected rejection for oversized unstake")
	}
}

func TestEstimateFailureIsUserFacing(t *testing.T) {
	fake := newFakeChain()
	fake.estimateErr = errors.New("execution reverted: not enough balance")
	c := newTestClient(t, fake)

	res, err := c.AddStake(context.Background(), "main", dec("1"), 31, "")
	if err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}
	if res.OK || res.Message != "execution reverted: not enough balance" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(fake.sent) != 0 {
		t.Fatal("nothing must be broadcast after a failed estimate")
	}
}

func TestRevertedReceipt(t *testing.T) {
	fake := newFakeChain()
	fake.revert = true
	c := newTestClient(t, fake)

	res, err := c.AddStake(context.Background(), "main", dec("1"), 31, "")
	if err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}
	if res.OK {
		t.Fatal("expected reverted result")
	}
}

func TestUnknownWalletIsSignerError(t *testing.T) {
	c := newTestClient(t, newFakeChain())
	_, err := c.AddStake(context.Background(), "cold", dec("1"), 31, "")
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeSigner {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestInvalidHotkeyIsRejected(t *testing.T) {
	c := newTestClient(t, newFakeChain())
	res, err := c.AddStake(context.Background(), "main", dec("1"), 31, "not-a-hotkey")
	if err != nil {
		t.Fatalf("AddStake failed: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection for invalid hotkey")
	}
}

func TestExchangeRate(t *testing.T) {
	c := newTestClient(t, newFakeChain())
	rate, err := c.ExchangeRate(context.Background(), 31)
	if err != nil {
		t.Fatalf("ExchangeRate failed: %v", err)
	}
	if !decEq(rate, "0.5") {
		t.Fatalf("unexpected rate %v", rate)
	}
	if _, err := c.ExchangeRate(context.Background(), 70000); err == nil {
		t.Fatal("expected range error")
	}
}

func TestChainID(t *testing.T) {
	c := newTestClient(t, newFakeChain())
	id, err := c.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID failed: %v", err)
	}
	if id != 964 {
		t.Fatalf("unexpected chain id %d", id)
	}
}
