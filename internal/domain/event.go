package domain

import (
	"context"
	"time"
)

// EventType names a notification emitted by the engine.
type EventType string

const (
	EventMarketCreated       EventType = "market_created"
	EventBetPlaced           EventType = "bet_placed"
	EventSettlementRequested EventType = "settlement_requested"
	EventMarketSettled       EventType = "market_settled"
	EventFundsWithdrawn      EventType = "funds_withdrawn"
)

// Event is a committed state change. Attrs holds JSON-compatible values only
// (string, bool, float64, nested maps and slices) so it can travel through
// every sink unchanged.
type Event struct {
	ID         string
	Type       EventType
	MarketID   uint64
	OccurredAt time.Time
	Attrs      map[string]any
}

// EventPublisher delivers events after the change they describe committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
