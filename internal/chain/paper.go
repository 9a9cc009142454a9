package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// DefaultPaperHotkey is used when a paper stake names no validator.
const DefaultPaperHotkey = "paper-validator"

// paperAlphaPlaces matches the chain's rao precision.
const paperAlphaPlaces = 9

// Paper is an in-memory Client that fills every order at a fixed per-subnet
// rate. It backs `chat --paper` and tests.
type Paper struct {
	mu          sync.Mutex
	rates       map[int]decimal.Decimal
	defaultRate decimal.Decimal
	startingTao decimal.Decimal
	free        map[string]decimal.Decimal
	stakes      map[string]map[stakeKey]decimal.Decimal
	txCount     int
}

type stakeKey struct {
	netuid int
	hotkey string
}

// NewPaper gives every wallet startingTao free TAO on first use.
func NewPaper(startingTao decimal.Decimal) *Paper {
	return &Paper{
		rates:       map[int]decimal.Decimal{},
		defaultRate: decimal.NewFromInt(1),
		startingTao: startingTao,
		free:        map[string]decimal.Decimal{},
		stakes:      map[string]map[stakeKey]decimal.Decimal{},
	}
}

// SetRate fixes the TAO-per-alpha price of netuid.
func (p *Paper) SetRate(netuid int, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[netuid] = rate
}

func (p *Paper) AddStake(ctx context.Context, wallet string, tao decimal.Decimal, netuid int, hotkey string) (StakeResult, error) {
	if err := ctx.Err(); err != nil {
		return StakeResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !tao.IsPositive() {
		return Failed("amount must be positive"), nil
	}
	free := p.freeLocked(wallet)
	if tao.GreaterThan(free) {
		return Failed(fmt.Sprintf("insufficient balance: %s τ free", free.StringFixed(4))), nil
	}
	if hotkey == "" {
		hotkey = DefaultPaperHotkey
	}
	rate := p.rateLocked(netuid)
	alpha := tao.DivRound(rate, paperAlphaPlaces)
	p.free[wallet] = free.Sub(tao)
	positions := p.positionsLocked(wallet)
	key := stakeKey{netuid, hotkey}
	positions[key] = positions[key].Add(alpha)
	return StakeResult{
		OK:          true,
		TaoAmount:   tao,
		AlphaAmount: alpha,
		Netuid:      netuid,
		Hotkey:      hotkey,
		Rate:        rate,
		TxHash:      p.nextTxLocked(),
	}, nil
}

func (p *Paper) RemoveStake(ctx context.Context, wallet string, netuid int, amount *decimal.Decimal, hotkey string) (StakeResult, error) {
	if err := ctx.Err(); err != nil {
		return StakeResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := p.positionsLocked(wallet)
	keys := make([]stakeKey, 0)
	held := decimal.Zero
	for k, alpha := range positions {
		if k.netuid == netuid && (hotkey == "" || k.hotkey == hotkey) && alpha.IsPositive() {
			keys = append(keys, k)
			held = held.Add(alpha)
		}
	}
	if held.IsZero() {
		return Failed(fmt.Sprintf("no stake on subnet %d", netuid)), nil
	}
	sell := held
	if amount != nil {
		if !amount.IsPositive() {
			return Failed("amount must be positive"), nil
		}
		if amount.GreaterThan(held) {
			return Failed(fmt.Sprintf("insufficient stake: %s α held", held.StringFixed(4))), nil
		}
		sell = *amount
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].hotkey < keys[j].hotkey })
	remaining := sell
	for _, k := range keys {
		take := decimal.Min(positions[k], remaining)
		positions[k] = positions[k].Sub(take)
		if !positions[k].IsPositive() {
			delete(positions, k)
		}
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}

	rate := p.rateLocked(netuid)
	tao := sell.Mul(rate)
	p.free[wallet] = p.freeLocked(wallet).Add(tao)
	usedHotkey := hotkey
	if usedHotkey == "" && len(keys) == 1 {
		usedHotkey = keys[0].hotkey
	}
	return StakeResult{
		OK:          true,
		TaoAmount:   tao,
		AlphaAmount: sell,
		Netuid:      netuid,
		Hotkey:      usedHotkey,
		Rate:        rate,
		TxHash:      p.nextTxLocked(),
	}, nil
}

func (p *Paper) Balance(ctx context.Context, wallet string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Balance{Address: paperAddress(wallet), FreeTao: p.freeLocked(wallet)}
	for k, alpha := range p.positionsLocked(wallet) {
		rate := p.rateLocked(k.netuid)
		out.Positions = append(out.Positions, Position{
			Netuid:   k.netuid,
			Hotkey:   k.hotkey,
			Alpha:    alpha,
			TaoValue: alpha.Mul(rate),
			Rate:     rate,
		})
	}
	sort.Slice(out.Positions, func(i, j int) bool {
		if out.Positions[i].Netuid != out.Positions[j].Netuid {
			return out.Positions[i].Netuid < out.Positions[j].Netuid
		}
		return out.Positions[i].Hotkey < out.Positions[j].Hotkey
	})
	return out, nil
}

func (p *Paper) ExchangeRate(ctx context.Context, netuid int) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLocked(netuid), nil
}

func (p *Paper) Address(_ context.Context, wallet string) (string, error) {
	return paperAddress(wallet), nil
}

func (p *Paper) freeLocked(wallet string) decimal.Decimal {
	free, ok := p.free[wallet]
	if !ok {
		free = p.startingTao
		p.free[wallet] = free
	}
	return free
}

func (p *Paper) positionsLocked(wallet string) map[stakeKey]decimal.Decimal {
	positions, ok := p.stakes[wallet]
	if !ok {
		positions = map[stakeKey]decimal.Decimal{}
		p.stakes[wallet] = positions
	}
	return positions
}

func (p *Paper) rateLocked(netuid int) decimal.Decimal {
	if rate, ok := p.rates[netuid]; ok && rate.IsPositive() {
		return rate
	}
	return p.defaultRate
}

func (p *Paper) nextTxLocked() string {
	p.txCount++
	return fmt.Sprintf("0x%064x", p.txCount)
}

func paperAddress(wallet string) string {
	return "paper:" + wallet
}
