package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// PriceDecimals is the number of fractional digits carried by Price.
const PriceDecimals = 8

// PriceScale is 10^PriceDecimals.
const PriceScale int64 = 100_000_000

// Price is an asset price in fixed point with 8 decimals.
// E.g., 2000 USD = 200,000,000,000 Price.
type Price int64

// ParsePrice converts a decimal string such as "2500.5" into a Price without
// going through float64. More than 8 fractional digits is an error.
func ParsePrice(s string) (Price, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPrice)
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q has no digits", ErrInvalidPrice, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > PriceDecimals {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidPrice, s, PriceDecimals)
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	frac += strings.Repeat("0", PriceDecimals-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	if w > (1<<63-1-f)/PriceScale {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidPrice, s)
	}
	p := Price(w*PriceScale + f)
	if neg {
		p = -p
	}
	return p, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// MustParsePrice is ParsePrice for constants; it panics on error.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromScaled rescales an integer answer with the given number of
// decimals (as reported by a feed) to 8 decimals. Extra precision is
// truncated toward zero.
func PriceFromScaled(answer *big.Int, decimals uint8) (Price, error) {
	v := new(big.Int).Set(answer)
	switch {
	case decimals > PriceDecimals:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-PriceDecimals)), nil))
	case decimals < PriceDecimals:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(PriceDecimals-decimals)), nil))
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidPrice, answer)
	}
	return Price(v.Int64()), nil
}

func (p Price) String() string {
	sign := ""
	v := int64(p)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/PriceScale, v%PriceScale)
}

// MarshalText implements encoding.TextMarshaler.
func (p Price) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Price) UnmarshalText(text []byte) error {
	v, err := ParsePrice(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
