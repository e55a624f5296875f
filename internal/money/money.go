// Package money converts between integer cents and decimal amounts.
// Every amount inside the service is an int64 count of cents.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Format renders cents as "$12.34", negative amounts as "-$12.34".
func Format(cents int64) string {
	sign := ""
	abs := uint64(cents)
	if cents < 0 {
		sign = "-"
		abs = uint64(-(cents + 1)) + 1
	}
	return fmt.Sprintf("%s$%d.%02d", sign, abs/100, abs%100)
}

// FormatAmount renders cents as a bare "12.34", the shape payment providers expect.
func FormatAmount(cents int64) string {
	return ToDecimal(cents).StringFixed(2)
}

// ToDecimal returns the major-unit decimal for cents.
func ToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FromDecimal converts a major-unit amount to cents, truncating below the cent.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Shift(2).Truncate(0).IntPart()
}

// FromDecimalString parses "12.34" style amounts into cents.
func FromDecimalString(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}
