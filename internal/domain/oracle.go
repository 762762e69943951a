package domain

import "context"

// PriceOracle returns the current price of an asset with PriceDecimals
// decimals. Implementations report any failure to produce a price as
// ErrOracleUnavailable.
type PriceOracle interface {
	GetCurrentPrice(ctx context.Context, asset string) (Price, error)
}

// PriceOracleFunc adapts a function to PriceOracle.
type PriceOracleFunc func(ctx context.Context, asset string) (Price, error)

func (f PriceOracleFunc) GetCurrentPrice(ctx context.Context, asset string) (Price, error) {
	return f(ctx, asset)
}
