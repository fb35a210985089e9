// Package money handles ledger amounts, which are stored as int64 minor units
// (two decimal places) and exchanged as plain decimal strings.
package money

import (
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrOutOfRange      = errors.New("amount does not fit in minor units")
)

var amountPattern = regexp.MustCompile(`^[+-]?(\d*)(?:\.(\d*))?$`)

// ParseMinor reads "14", "14.5" or "-3.20" into minor units. Exponents and
// more than two fractional digits are rejected rather than rounded.
func ParseMinor(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	m := amountPattern.FindStringSubmatch(trimmed)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, ErrInvalidAmount
	}
	if len(m[2]) > 2 {
		return 0, ErrTooManyDecimals
	}
	whole, frac := m[1], m[2]
	if whole == "" {
		whole = "0"
	}
	normalized := whole
	if frac != "" {
		normalized += "." + frac
	}
	if strings.HasPrefix(trimmed, "-") {
		normalized = "-" + normalized
	}
	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	minor, err := FromDecimal(value)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return minor, nil
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

func FormatMinor(value int64) string {
	return decimal.New(value, -2).StringFixed(2)
}

// FromDecimal converts a currency amount to minor units, rounding half away
// from zero. Amounts beyond int64 minor units fail with ErrOutOfRange.
func FromDecimal(amount decimal.Decimal) (int64, error) {
	shifted := amount.Round(2).Shift(2)
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, ErrOutOfRange
	}
	return shifted.IntPart(), nil
}
