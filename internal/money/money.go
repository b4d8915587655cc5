// Package money provides shared amount parsing, validation and formatting.
//
// All ledger amounts are decimal values in a single currency, carried as
// shopspring decimals with a fixed maximum scale of 8 fractional digits.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the maximum number of fractional digits an amount may carry.
const Scale = 8

// ErrInvalidAmount is returned for amounts that are not positive or
// exceed the maximum scale.
var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a decimal string (e.g. "10.50") into an amount.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -Scale {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ValidatePositive checks that amount is strictly positive and within scale.
func ValidatePositive(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Exponent() < -Scale {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateNonZero checks that amount is non-zero and within scale, allowing
// negative values (used for signed adjustments).
func ValidateNonZero(amount decimal.Decimal) error {
	if amount.Sign() == 0 {
		return ErrInvalidAmount
	}
	if amount.Exponent() < -Scale {
		return ErrInvalidAmount
	}
	return nil
}
