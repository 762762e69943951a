package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// CreateMarket opens a new market on asset that settles "above" when the
// oracle price at settlement is >= target. Only the owner may call it.
func (e *Engine) CreateMarket(ctx context.Context, caller domain.Identity, asset string, target domain.Price, duration time.Duration) (uint64, error) {
	if caller != e.owner {
		return 0, fmt.Errorf("engine: create market: %w", domain.ErrNotOwner)
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return 0, fmt.Errorf("engine: create market: %w", domain.ErrEmptyAsset)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("engine: create market: %w", domain.ErrInvalidDuration)
	}
	if target < 0 {
		return 0, fmt.Errorf("engine: create market: %w: negative target", domain.ErrInvalidPrice)
	}

	now := e.now()
	m, err := e.store.CreateMarket(ctx, domain.Market{
		Asset:       asset,
		TargetPrice: target,
		Creator:     caller,
		CreatedAt:   now,
		EndTime:     now.Add(duration),
		State:       domain.MarketOpen,
	})
	if err != nil {
		return 0, fmt.Errorf("engine: create market: %w", err)
	}

	e.logger.InfoContext(ctx, "market created",
		slog.Uint64("market_id", m.ID),
		slog.String("asset", m.Asset),
		slog.String("target_price", m.TargetPrice.String()),
		slog.Time("end_time", m.EndTime),
	)
	e.emit(ctx, domain.EventMarketCreated, m.ID, map[string]any{
		"asset":        m.Asset,
		"target_price": m.TargetPrice.String(),
		"end_time":     m.EndTime.Format(time.RFC3339Nano),
		"creator":      m.Creator.Hex(),
	})
	return m.ID, nil
}

// GetMarketInfo returns a snapshot of market id as observed now.
func (e *Engine) GetMarketInfo(ctx context.Context, id uint64) (domain.MarketInfo, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("engine: get market %d: %w", id, err)
	}
	return m.Info(e.now()), nil
}

// ListMarkets returns market snapshots, newest first.
func (e *Engine) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketInfo, error) {
	markets, err := e.store.ListMarkets(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: list markets: %w", err)
	}
	now := e.now()
	out := make([]domain.MarketInfo, 0, len(markets))
	for _, m := range markets {
		out = append(out, m.Info(now))
	}
	return out, nil
}

// DueMarkets returns unsettled markets whose end time has passed.
func (e *Engine) DueMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	markets, err := e.store.ListDue(ctx, e.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("engine: list due markets: %w", err)
	}
	return markets, nil
}

// MarketCount returns the number of markets created so far. Ids run from 0
// to MarketCount-1.
func (e *Engine) MarketCount(ctx context.Context) (uint64, error) {
	n, err := e.store.CountMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: count markets: %w", err)
	}
	return n, nil
}
