// Package chain defines the execution collaborator the engine drives to move
// funds between free TAO and subnet alpha positions.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client executes staking operations for a named wallet.
type Client interface {
	// AddStake spends tao TAO for alpha on netuid behind hotkey. An empty
	// hotkey lets the client choose its default validator.
	AddStake(ctx context.Context, wallet string, tao decimal.Decimal, netuid int, hotkey string) (StakeResult, error)
	// RemoveStake sells amount alpha on netuid. A nil amount sells the whole
	// position.
	RemoveStake(ctx context.Context, wallet string, netuid int, amount *decimal.Decimal, hotkey string) (StakeResult, error)
	Balance(ctx context.Context, wallet string) (Balance, error)
	// ExchangeRate is TAO per alpha on netuid. It is used for display only.
	ExchangeRate(ctx context.Context, netuid int) (decimal.Decimal, error)
	Address(ctx context.Context, wallet string) (string, error)
}

// StakeResult describes one executed operation. OK=false carries a
// user-facing rejection in Message.
type StakeResult struct {
	OK          bool
	Message     string
	TaoAmount   decimal.Decimal
	AlphaAmount decimal.Decimal
	Netuid      int
	Hotkey      string
	Rate        decimal.Decimal
	TxHash      string
}

type Position struct {
	Netuid   int
	Hotkey   string
	Alpha    decimal.Decimal
	TaoValue decimal.Decimal
	Rate     decimal.Decimal
}

type Balance struct {
	Address   string
	FreeTao   decimal.Decimal
	Positions []Position
}

// Failed builds a rejected result.
func Failed(message string) StakeResult {
	return StakeResult{OK: false, Message: message}
}
