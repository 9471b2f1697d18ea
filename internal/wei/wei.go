// Package wei converts between decimal ether amounts and wei.
//
// Ether has 18 decimal places. Amounts cross the API and the record
// store as canonical decimal strings and the chain as *big.Int wei, so
// no value ever passes through a float.
package wei

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits in one ether.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal ether string (e.g. "0.25") to wei.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty strings, signs and exponents are rejected
//   - At most one decimal point, with digits on at least one side
//   - More than 18 fractional digits is rejected rather than truncated
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && whole == "" && frac == "" {
		return nil, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) || len(frac) > Decimals {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// ParsePositive is Parse restricted to amounts greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format renders wei as a canonical ether string: no trailing
// fractional zeros and no decimal point for whole amounts ("1", "0.5").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(amount), unit, new(big.Int))

	result := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", Decimals-len(digits)) + digits
		result += "." + strings.TrimRight(digits, "0")
	}
	if neg {
		result = "-" + result
	}
	return result
}

// Canonical normalizes a decimal ether string, such as a NUMERIC(38,18)
// column read back from Postgres, to the form Format produces.
// Unparseable input is returned unchanged.
func Canonical(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(v)
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
