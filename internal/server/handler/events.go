package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventHandler exposes the audit log to operators.
type EventHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(audit domain.AuditStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{audit: audit, logger: logHandler(logger, "events")}
}

// ListEvents returns audit entries, newest first.
// GET /api/events?limit=50&offset=0&since=2026-01-01T00:00:00Z
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": views,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}
