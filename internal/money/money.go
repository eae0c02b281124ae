// Package money implements the fixed-point rules for card amounts:
// decimal values with at most two fractional digits, never floats.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits of every stored amount.
const Scale = 2

var (
	ErrSyntax      = errors.New("amount is not a decimal number")
	ErrScale       = errors.New("amount has more than 2 fractional digits")
	ErrNotPositive = errors.New("amount must be greater than zero")
	ErrNegative    = errors.New("amount must not be negative")
)

// Parse reads a decimal amount and checks its scale. "1.500" is accepted:
// the check is on the numeric value, not on how it was written.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrSyntax)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if err := CheckScale(d); err != nil {
		return decimal.Zero, err
	}
	return Normalize(d), nil
}

func CheckScale(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(Scale)) {
		return ErrScale
	}
	return nil
}

// ValidateAmount checks an operation amount: positive, scale <= 2.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	return CheckScale(d)
}

// ValidateBalance checks an initial or stored balance: >= 0, scale <= 2.
func ValidateBalance(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	return CheckScale(d)
}

// Normalize rescales a validated amount to Scale. It never rounds a value
// that passed CheckScale.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Format renders an amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
