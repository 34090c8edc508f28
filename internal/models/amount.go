package models

import (
	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/shopspring/decimal"
)

// ParseAmount parses a decimal-string encoded amount.
// Only plain base-10 digits are accepted: no sign, fraction, exponent or whitespace.
func ParseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, apperrors.New(apperrors.CodeInvalidAmount, "amount is empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return decimal.Zero, apperrors.WithMetadata(apperrors.CodeInvalidAmount,
				"amount must be a non-negative base-10 integer", map[string]string{"amount": s})
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.CodeInvalidAmount, "parse amount", err)
	}
	return d, nil
}

// FormatAmount renders an amount as a plain decimal string.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(0)
}

// ValidAmount reports whether d is a non-negative integer.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsInteger() && !d.IsNegative()
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
