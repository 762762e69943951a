// Package engine implements the blind-bet market lifecycle: market creation,
// confidential bet bookkeeping, two-phase oracle settlement and pari-mutuel
// escrow withdrawal. All persistence goes through domain.MarketStore.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Engine is the settlement engine. It holds no per-market state of its own;
// the store's per-market transactions are the only synchronization.
type Engine struct {
	owner     domain.Identity
	store     domain.MarketStore
	oracle    domain.PriceOracle
	decryptor domain.Decryptor
	events    domain.EventPublisher
	archiver  domain.SettlementArchiver
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDecryptor sets the capability used by SettleMarket to open predictions.
func WithDecryptor(d domain.Decryptor) Option {
	return func(e *Engine) { e.decryptor = d }
}

// WithPublisher sets the sink for committed events.
func WithPublisher(p domain.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithArchiver copies every settled market to cold storage.
func WithArchiver(a domain.SettlementArchiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// New creates an Engine. owner is the only identity allowed to create markets.
func New(owner domain.Identity, store domain.MarketStore, oracle domain.PriceOracle, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		owner:  owner,
		store:  store,
		oracle: oracle,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Owner returns the identity allowed to create markets.
func (e *Engine) Owner() domain.Identity {
	return e.owner
}

// emit publishes ev after the change it describes committed. Delivery
// failures are logged; the committed state is never rolled back for them.
func (e *Engine) emit(ctx context.Context, typ domain.EventType, marketID uint64, attrs map[string]any) {
	if e.events == nil {
		return
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		MarketID:   marketID,
		OccurredAt: e.now(),
		Attrs:      attrs,
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", string(typ)),
			slog.Uint64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
