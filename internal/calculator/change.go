package calculator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNonPositiveReference is returned when a change is measured against a reference <= 0.
var ErrNonPositiveReference = errors.New("reference must be positive")

var hundred = decimal.NewFromInt(100)

// PctChange returns (current - reference) / reference in percent.
// Decimal arithmetic keeps boundary cases such as 47650 vs 50000 at exactly -4.7.
func PctChange(current, reference decimal.Decimal) (decimal.Decimal, error) {
	if reference.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("pct change against %s: %w", reference, ErrNonPositiveReference)
	}
	return current.Sub(reference).Div(reference).Mul(hundred), nil
}

// PctChangeFloat is PctChange for float inputs, rounded to 4 decimal places.
func PctChangeFloat(current, reference float64) (float64, error) {
	d, err := PctChange(decimal.NewFromFloat(current), decimal.NewFromFloat(reference))
	if err != nil {
		return 0, err
	}
	return d.Round(4).InexactFloat64(), nil
}
