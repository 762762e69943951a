package domain

import (
	"context"
	"time"
)

// PriceCache keeps the last observed price per asset for display. Settlement
// never reads from it.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price Price, ts time.Time) error
	GetPrice(ctx context.Context, asset string) (Price, time.Time, error)
	GetPrices(ctx context.Context, assets []string) (map[string]Price, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// NonceStore remembers one-time tokens, such as the digest of a signed API
// request, for a limited time.
type NonceStore interface {
	// Claim records key for ttl and reports whether it was not already
	// recorded.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
