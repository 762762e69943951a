package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
	"github.com/alanyoungcy/blindbet/internal/server/handler"
	"github.com/alanyoungcy/blindbet/internal/server/middleware"
	"github.com/alanyoungcy/blindbet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // guards operator routes; empty disables the check
	// SignatureMaxSkew bounds how old a signed request may be.
	SignatureMaxSkew time.Duration
	// RateLimit requests per RateWindow per client. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Markets    *handler.MarketHandler
	Bets       *handler.BetHandler
	Settlement *handler.SettlementHandler
	Prices     *handler.PriceHandler
	Events     *handler.EventHandler
}

// Server is the HTTP + WebSocket API in front of the engine.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter may be nil.
// nonces records accepted request signatures; nil keeps them in process.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, nonces domain.NonceStore, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	public := func(h http.HandlerFunc) http.Handler { return h }
	if limiter != nil && cfg.RateLimit > 0 {
		rl := middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)
		public = func(h http.HandlerFunc) http.Handler { return rl(h) }
	}
	sig := middleware.Signature(cfg.SignatureMaxSkew, nil, nonces, logger)
	signed := func(h http.HandlerFunc) http.Handler { return sig(public(h)) }
	operator := func(h http.HandlerFunc) http.Handler { return middleware.APIKey(cfg.APIKey)(public(h)) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /api/status", public(handlers.Status.GetStatus))

	mux.Handle("GET /api/markets", public(handlers.Markets.ListMarkets))
	mux.Handle("POST /api/markets", signed(handlers.Markets.CreateMarket))
	mux.Handle("GET /api/markets/{id}", public(handlers.Markets.GetMarket))
	mux.Handle("GET /api/markets/{id}/escrow", public(handlers.Markets.GetEscrow))
	mux.Handle("GET /api/markets/{id}/archive", public(handlers.Markets.GetArchive))
	mux.Handle("GET /api/archive", public(handlers.Markets.ListArchive))

	mux.Handle("POST /api/markets/{id}/bets", signed(handlers.Bets.PlaceBet))
	mux.Handle("GET /api/markets/{id}/bets/{address}", public(handlers.Bets.GetUserBet))
	mux.Handle("POST /api/markets/{id}/withdraw", signed(handlers.Bets.Withdraw))

	// Settlement is permissionless.
	mux.Handle("POST /api/markets/{id}/settle", public(handlers.Settlement.Settle))

	mux.Handle("GET /api/prices", public(handlers.Prices.GetPrices))
	mux.Handle("GET /api/prices/{asset}", public(handlers.Prices.GetPrice))

	mux.Handle("GET /api/events", operator(handlers.Events.ListEvents))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
