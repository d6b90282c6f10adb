// Package units converts between human-readable decimal amounts and the
// integer base units the custody engine settles in.
//
// The settlement assets use 6 decimal places. All amounts are held as
// big.Int in the smallest unit (1.000000 = 1,000,000 units).
package units

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "100.5") to base units (100500000).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 6 fractional digits are rejected rather than truncated
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
		if frac == "" {
			return nil, false
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return nil, false
		}
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("units: invalid amount " + s)
	}
	return v
}

// Format converts base units to a decimal string with exactly 6 decimal
// places (e.g. "0.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}
