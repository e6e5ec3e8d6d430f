package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a token amount to integer base units, truncating
// anything finer than decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units back to a token amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}

// EtherToWei converts a native-token amount (18 decimals) to wei.
func EtherToWei(amount decimal.Decimal) *big.Int {
	return ToBaseUnits(amount, 18)
}
