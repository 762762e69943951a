package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// SettlementService is the part of the engine the settle route needs.
type SettlementService interface {
	SettleMarket(ctx context.Context, id uint64) (domain.Market, error)
	RequestSettlement(ctx context.Context, id uint64) (domain.SettlementRequest, error)
}

// Dispatcher hands a settlement request to the decryption coprocessor.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.SettlementRequest) error
}

// SettlementHandler triggers settlement. Anyone may call it once a market has
// ended.
type SettlementHandler struct {
	engine   SettlementService
	dispatch Dispatcher
	now      func() time.Time
	logger   *slog.Logger

	// redispatchAfter is how long a dispatched request is left to the
	// coprocessor before another POST may queue it again.
	redispatchAfter time.Duration
	mu              sync.Mutex
	inFlight        map[uint64]time.Time
}

// NewSettlementHandler creates a SettlementHandler. With a nil dispatcher
// settlement completes inside the request; otherwise the request is queued
// for the coprocessor and the route answers 202.
//
// A market is queued at most once per redispatchAfter window. Repeated calls
// inside the window still answer 202 but do not add stream entries; the
// keeper re-sends requests the coprocessor never answered. A non-positive
// window defaults to two minutes.
func NewSettlementHandler(engine SettlementService, dispatch Dispatcher, redispatchAfter time.Duration, logger *slog.Logger) *SettlementHandler {
	if redispatchAfter <= 0 {
		redispatchAfter = 2 * time.Minute
	}
	return &SettlementHandler{
		engine:          engine,
		dispatch:        dispatch,
		now:             time.Now,
		logger:          logHandler(logger, "settlement"),
		redispatchAfter: redispatchAfter,
		inFlight:        make(map[uint64]time.Time),
	}
}

// claim reserves the dispatch of market id. It fails while an earlier
// dispatch is still inside its window.
func (h *SettlementHandler) claim(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for mid, at := range h.inFlight {
		if now.Sub(at) >= h.redispatchAfter {
			delete(h.inFlight, mid)
		}
	}
	if _, ok := h.inFlight[id]; ok {
		return false
	}
	h.inFlight[id] = now
	return true
}

func (h *SettlementHandler) release(id uint64) {
	h.mu.Lock()
	delete(h.inFlight, id)
	h.mu.Unlock()
}

// Settle settles a market.
// POST /api/markets/{id}/settle
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.dispatch == nil {
		m, err := h.engine.SettleMarket(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, h.logger, "settle market", err)
			return
		}
		writeJSON(w, http.StatusOK, settledView(m, h.now()))
		return
	}

	req, err := h.engine.RequestSettlement(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			h.release(id)
		}
		writeDomainError(w, r, h.logger, "request settlement", err)
		return
	}

	dispatched := h.claim(id)
	if dispatched {
		if err := h.dispatch.Dispatch(r.Context(), req); err != nil {
			h.release(id)
			h.logger.ErrorContext(r.Context(), "handler: dispatch settlement failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "settlement queue unavailable")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"dispatched":    dispatched,
		"market_id":     req.MarketID,
		"asset":         req.Asset,
		"price":         req.Price,
		"outcome_above": req.OutcomeAbove,
		"bets":          len(req.Bets),
		"requested_at":  req.RequestedAt,
	})
}
