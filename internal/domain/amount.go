package domain

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is a stake or payout in the smallest native unit (wei). Values are
// copied by value; arithmetic goes through the helpers below so callers never
// alias the receiver of a uint256 method.
type Amount = uint256.Int

// ParseAmount parses a base-10 wei string.
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrValidation)
	}
	digits := strings.TrimLeft(trimmed, "0")
	if digits == "" {
		digits = "0"
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: amount %q: %v", ErrValidation, s, err)
	}
	return *v, nil
}

// ParseEther parses a decimal ether amount such as "0.1" into wei.
func ParseEther(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 18 {
		return Amount{}, fmt.Errorf("%w: amount %q has more than 18 decimals", ErrValidation, s)
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", 18-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		digits = "0"
	}
	return ParseAmount(digits)
}

// MustEther is ParseEther for constants and tests; it panics on error.
func MustEther(s string) Amount {
	a, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddAmount returns a+b and whether the sum overflowed 256 bits.
func AddAmount(a, b Amount) (Amount, bool) {
	var z Amount
	_, overflow := z.AddOverflow(&a, &b)
	return z, overflow
}

// SubAmount returns a-b and whether it underflowed.
func SubAmount(a, b Amount) (Amount, bool) {
	var z Amount
	_, underflow := z.SubOverflow(&a, &b)
	return z, underflow
}

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate, and
// whether the result does not fit in 256 bits. d must be non-zero.
func MulDiv(x, y, d Amount) (Amount, bool) {
	var z Amount
	_, overflow := z.MulDivOverflow(&x, &y, &d)
	return z, overflow
}

// AmountString formats a in decimal wei.
func AmountString(a Amount) string {
	return a.Dec()
}
