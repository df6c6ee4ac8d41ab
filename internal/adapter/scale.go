package adapter

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// ToBaseUnits converts a token quantity to the venue's integer units.
// Quantities that are not positive or that carry more precision than the
// venue supports are rejected with redemption.ErrInvalidAmount.
func ToBaseUnits(qty decimal.Decimal, decimals int32) (*big.Int, error) {
	if !qty.IsPositive() {
		return nil, redemption.ErrInvalidAmount
	}
	scaled := qty.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, redemption.ErrInvalidAmount
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts venue integer units back to a token quantity.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
