// Package keeper drives markets past their end time through settlement.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Engine is the part of the engine the keeper drives.
type Engine interface {
	DueMarkets(ctx context.Context, limit int) ([]domain.Market, error)
	SettleMarket(ctx context.Context, id uint64) (domain.Market, error)
	RequestSettlement(ctx context.Context, id uint64) (domain.SettlementRequest, error)
}

// Dispatcher hands a settlement request to an out-of-process decryptor.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.SettlementRequest) error
}

// Options tunes the keeper loop.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// LockTTL bounds how long one keeper owns a market's settlement.
	LockTTL time.Duration
	// RetryInitial and RetryMaxElapsed shape the exponential backoff used
	// while the oracle is unavailable.
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	// RedispatchAfter is how long an async request may stay unanswered
	// before the keeper sends it again.
	RedispatchAfter time.Duration
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 30 * time.Second
	}
	if o.RedispatchAfter <= 0 {
		o.RedispatchAfter = 2 * time.Minute
	}
}

// Keeper settles due markets. With a Dispatcher it only runs the first
// settlement phase and leaves decryption to the coprocessor; without one it
// settles synchronously.
type Keeper struct {
	engine   Engine
	locks    domain.LockManager
	dispatch Dispatcher
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[uint64]time.Time
}

// New creates a Keeper. locks and dispatch may be nil.
func New(engine Engine, locks domain.LockManager, dispatch Dispatcher, opts Options, logger *slog.Logger) *Keeper {
	opts.setDefaults()
	return &Keeper{
		engine:   engine,
		locks:    locks,
		dispatch: dispatch,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "keeper")),
		pending:  make(map[uint64]time.Time),
	}
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started",
		slog.Duration("interval", k.opts.Interval),
		slog.Bool("async", k.dispatch != nil),
	)
	k.tickAndLog(ctx)

	ticker := time.NewTicker(k.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			k.tickAndLog(ctx)
		}
	}
}

func (k *Keeper) tickAndLog(ctx context.Context) {
	if _, err := k.Tick(ctx); err != nil && ctx.Err() == nil {
		k.logger.ErrorContext(ctx, "keeper tick failed", slog.String("error", err.Error()))
	}
}

// Tick processes one batch of due markets and returns how many it moved
// forward. Per-market failures are logged and do not stop the batch.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	due, err := k.engine.DueMarkets(ctx, k.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("keeper: due markets: %w", err)
	}
	k.prune(due)

	done := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		ok, err := k.process(ctx, m)
		if err != nil {
			k.logger.WarnContext(ctx, "settlement attempt failed",
				slog.Uint64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			done++
		}
	}
	return done, nil
}

func (k *Keeper) process(ctx context.Context, m domain.Market) (bool, error) {
	if k.dispatch != nil && k.inFlight(m.ID) {
		return false, nil
	}

	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, fmt.Sprintf("keeper:settle:%d", m.ID), k.opts.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "market held by another keeper", slog.Uint64("market_id", m.ID))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		defer unlock()
	}

	err := k.retry(ctx, func() error {
		if k.dispatch == nil {
			_, err := k.engine.SettleMarket(ctx, m.ID)
			return err
		}
		req, err := k.engine.RequestSettlement(ctx, m.ID)
		if err != nil {
			return err
		}
		if err := k.dispatch.Dispatch(ctx, req); err != nil {
			return backoff.Permanent(err)
		}
		k.markInFlight(m.ID)
		return nil
	})
	if errors.Is(err, domain.ErrAlreadySettled) {
		k.clearInFlight(m.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	k.logger.InfoContext(ctx, "settlement advanced",
		slog.Uint64("market_id", m.ID),
		slog.Bool("async", k.dispatch != nil),
	)
	return true, nil
}

// retry re-runs op while the oracle is unavailable.
func (k *Keeper) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.opts.RetryInitial
	b.MaxElapsedTime = k.opts.RetryMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, domain.ErrOracleUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func (k *Keeper) inFlight(id uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	at, ok := k.pending[id]
	return ok && k.now().Sub(at) < k.opts.RedispatchAfter
}

func (k *Keeper) markInFlight(id uint64) {
	k.mu.Lock()
	k.pending[id] = k.now()
	k.mu.Unlock()
}

// prune forgets in-flight requests for markets that are no longer due.
func (k *Keeper) prune(due []domain.Market) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pending) == 0 {
		return
	}
	still := make(map[uint64]bool, len(due))
	for _, m := range due {
		still[m.ID] = true
	}
	for id := range k.pending {
		if !still[id] {
			delete(k.pending, id)
		}
	}
}

func (k *Keeper) clearInFlight(id uint64) {
	k.mu.Lock()
	delete(k.pending, id)
	k.mu.Unlock()
}
