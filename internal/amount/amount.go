// Package amount converts between on-chain smallest-unit integers and the
// decimal values kept in the mirror store.
package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds token precision accepted for conversion.
const MaxDecimals = 36

// FromChain scales a smallest-unit integer down by 10^decimals. The result is
// exact.
func FromChain(value *big.Int, decimals uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}

// ToChain scales a decimal up by 10^decimals. It fails instead of rounding
// when the value carries more fractional digits than the token supports, and
// rejects negative values, which have no on-chain form.
func ToChain(value decimal.Decimal, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("unsupported token decimals %d", decimals)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", value.String())
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", value.String(), decimals)
	}
	return scaled.BigInt(), nil
}

// Parse reads a decimal from user input.
func Parse(input string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(input)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", input, err)
	}
	return d, nil
}

// Canonical returns the normalized text form used for storage and comparison.
func Canonical(value decimal.Decimal) string {
	return value.String()
}
