package evm

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// RaoDecimals is the precision of precompile amounts.
	RaoDecimals = 9
	// WeiDecimals is the precision of native EVM balances.
	WeiDecimals = 18
)

// ToBaseUnits converts a decimal amount to integer base units. Digits beyond
// the unit precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("invalid amount %s", amount)
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts integer base units to a decimal amount.
func FromBaseUnits(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// FormatBaseUnits renders base units as a trimmed decimal string.
func FormatBaseUnits(v *big.Int, decimals int) string {
	return FromBaseUnits(v, decimals).String()
}

// RaoToWei scales a rao amount to EVM wei.
func RaoToWei(rao *big.Int) *big.Int {
	return new(big.Int).Mul(rao, big.NewInt(1_000_000_000))
}
