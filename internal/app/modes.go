package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/blindbet/internal/coprocessor"
	"github.com/alanyoungcy/blindbet/internal/keeper"
	"github.com/alanyoungcy/blindbet/internal/server"
	"github.com/alanyoungcy/blindbet/internal/server/handler"
	"github.com/alanyoungcy/blindbet/internal/server/ws"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take to drain.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP and WebSocket API. Settlement happens on
// request; the keeper is added when settlement.keeper_enabled is set.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Settlement.KeeperEnabled {
		a.startKeeper(ctx, g, deps)
	}
	a.startFinalizer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs only the settlement keeper loop.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	a.startFinalizer(ctx, g, deps)
	return g.Wait()
}

// CoprocessorMode runs the decryption worker. It holds the settlement private
// key and never touches the market store.
func (a *App) CoprocessorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting coprocessor mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startWorker(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the API, the keeper and, for async settlement, both halves of
// the coprocessor round trip in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("settlement_mode", a.cfg.Settlement.Mode),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	a.startKeeper(ctx, g, deps)
	a.startFinalizer(ctx, g, deps)
	if a.cfg.RunsCoprocessor() {
		if err := a.startWorker(ctx, g, deps); err != nil {
			return err
		}
	}
	return g.Wait()
}

// startHTTPServer builds the handlers, the WebSocket hub and the HTTP server
// and adds their goroutines to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Engine == nil {
		return errors.New("app: http server needs the engine")
	}

	var dispatch handler.Dispatcher
	if deps.Dispatcher != nil {
		dispatch = deps.Dispatcher
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, a.cfg.Settlement.Mode, deps.PublicKey, deps.Engine),
		Markets:    handler.NewMarketHandler(deps.Engine, deps.BlobReader, a.logger),
		Bets:       handler.NewBetHandler(deps.Engine, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Engine, dispatch, a.cfg.Settlement.RedispatchAfter.Duration, a.logger),
		Prices:     handler.NewPriceHandler(deps.Oracle, deps.PriceCache, a.logger),
		Events:     handler.NewEventHandler(deps.AuditStore, a.logger),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		PublicKey:      deps.PublicKey,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})

	srv := server.NewServer(server.Config{
		Host:             a.cfg.Server.Host,
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		SignatureMaxSkew: a.cfg.Server.SignatureMaxSkew.Duration,
		RateLimit:        a.cfg.Server.RateLimit,
		RateWindow:       a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, deps.NonceStore, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("host", a.cfg.Server.Host),
			slog.Int("port", a.cfg.Server.Port),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// startKeeper adds the settlement keeper loop to g. With async settlement the
// keeper only dispatches requests.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var dispatch keeper.Dispatcher
	if deps.Dispatcher != nil {
		dispatch = deps.Dispatcher
	}

	s := a.cfg.Settlement
	k := keeper.New(deps.Engine, deps.LockManager, dispatch, keeper.Options{
		Interval:        s.Interval.Duration,
		BatchSize:       s.BatchSize,
		LockTTL:         s.LockTTL.Duration,
		RetryInitial:    s.RetryInitial.Duration,
		RetryMaxElapsed: s.RetryMaxElapsed.Duration,
		RedispatchAfter: s.RedispatchAfter.Duration,
	}, a.logger)

	g.Go(func() error {
		return k.Run(ctx)
	})
}

// startFinalizer consumes decryption results and completes settlement. It is
// a no-op for sync settlement.
func (a *App) startFinalizer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Dispatcher == nil {
		return
	}
	f := coprocessor.NewFinalizer(deps.SignalBus, deps.Engine, deps.StreamAuth, a.streamOptions(), a.logger)
	g.Go(func() error {
		return f.Run(ctx)
	})
}

// startWorker runs the decryption side of async settlement.
func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Opener == nil {
		return errors.New("app: coprocessor worker needs the settlement private key")
	}
	if deps.StreamAuth == nil {
		return errors.New("app: coprocessor worker needs the stream secret")
	}
	w := coprocessor.NewWorker(deps.SignalBus, deps.Opener, deps.StreamAuth, a.streamOptions(), a.logger)
	g.Go(func() error {
		return w.Run(ctx)
	})
	return nil
}

func (a *App) streamOptions() coprocessor.Options {
	return coprocessor.Options{
		Batch: a.cfg.Settlement.StreamBatch,
		Idle:  a.cfg.Settlement.StreamIdle.Duration,
	}
}
