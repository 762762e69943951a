package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Channel and stream names on the signal bus.
const (
	Channel = "events"
	Stream  = "events"
)

// Notifier is the subset of notify.Notifier the publisher needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Publisher implements domain.EventPublisher by fanning every event out to
// each configured sink. A failing sink does not stop delivery to the others.
type Publisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// NewPublisher creates a Publisher. Any sink may be nil.
func NewPublisher(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_publisher")),
	}
}

// Publish delivers ev. Live subscribers get JSON on the events channel; the
// durable stream gets the protobuf encoding.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error

	if p.bus != nil {
		if js, err := MarshalJSON(ev); err != nil {
			errs = append(errs, err)
		} else if err := p.bus.Publish(ctx, Channel, js); err != nil {
			errs = append(errs, err)
		}
		if pb, err := Marshal(ev); err != nil {
			errs = append(errs, err)
		} else if err := p.bus.StreamAppend(ctx, Stream, pb); err != nil {
			errs = append(errs, err)
		}
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, string(ev.Type), auditDetail(ev)); err != nil {
			errs = append(errs, err)
		}
	}

	if p.notifier != nil {
		title, msg := Describe(ev)
		if err := p.notifier.Notify(ctx, string(ev.Type), title, msg); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("event: publish %s: %w", ev.Type, errors.Join(errs...))
	}
	p.logger.DebugContext(ctx, "event published",
		slog.String("event", string(ev.Type)),
		slog.Uint64("market_id", ev.MarketID),
	)
	return nil
}

func auditDetail(ev domain.Event) map[string]any {
	d := make(map[string]any, len(ev.Attrs)+2)
	for k, v := range ev.Attrs {
		d[k] = v
	}
	d["event_id"] = ev.ID
	d["market_id"] = ev.MarketID
	return d
}

// Describe renders a short human-readable title and body for ev.
func Describe(ev domain.Event) (string, string) {
	a := ev.Attrs
	switch ev.Type {
	case domain.EventMarketCreated:
		return fmt.Sprintf("Market #%d opened", ev.MarketID),
			fmt.Sprintf("%v >= %v by %v", a["asset"], a["target_price"], a["end_time"])
	case domain.EventBetPlaced:
		return fmt.Sprintf("Bet on market #%d", ev.MarketID),
			fmt.Sprintf("%v staked %v wei", a["participant"], a["amount"])
	case domain.EventSettlementRequested:
		return fmt.Sprintf("Market #%d locked for settlement", ev.MarketID),
			fmt.Sprintf("price %v, %v bets to decrypt", a["price"], a["bets"])
	case domain.EventMarketSettled:
		outcome := "below"
		if a["outcome_above"] == true {
			outcome = "above"
		}
		return fmt.Sprintf("Market #%d settled %s", ev.MarketID, outcome),
			fmt.Sprintf("price %v, pool %v wei, winning stake %v wei", a["price"], a["total_pool"], a["winning_stake"])
	case domain.EventFundsWithdrawn:
		return fmt.Sprintf("Withdrawal from market #%d", ev.MarketID),
			fmt.Sprintf("%v received %v wei", a["participant"], a["amount"])
	}

	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a[k]))
	}
	return fmt.Sprintf("%s #%d", ev.Type, ev.MarketID), strings.Join(parts, " ")
}

var _ domain.EventPublisher = (*Publisher)(nil)
