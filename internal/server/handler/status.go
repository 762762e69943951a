package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// StatusService reports engine-wide facts.
type StatusService interface {
	Owner() domain.Identity
	MarketCount(ctx context.Context) (uint64, error)
}

// StatusHandler serves the backend status for clients.
type StatusHandler struct {
	Mode           string
	SettlementMode string
	// PublicKey is the hex settlement key clients encrypt predictions to.
	PublicKey string

	engine  StatusService
	started time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, settlementMode, publicKey string, engine StatusService) *StatusHandler {
	return &StatusHandler{
		Mode:           mode,
		SettlementMode: settlementMode,
		PublicKey:      publicKey,
		engine:         engine,
		started:        time.Now(),
	}
}

// GetStatus responds with the running mode, owner and market count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.MarketCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                  h.Mode,
		"settlement_mode":       h.SettlementMode,
		"owner":                 h.engine.Owner().Hex(),
		"market_count":          count,
		"settlement_public_key": h.PublicKey,
		"uptime_seconds":        int64(time.Since(h.started).Seconds()),
	})
}
