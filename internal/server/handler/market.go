package handler

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	s3blob "github.com/alanyoungcy/blindbet/internal/blob/s3"
	"github.com/alanyoungcy/blindbet/internal/domain"
)

// MarketService is the part of the engine the market routes need.
type MarketService interface {
	CreateMarket(ctx context.Context, caller domain.Identity, asset string, target domain.Price, duration time.Duration) (uint64, error)
	GetMarketInfo(ctx context.Context, id uint64) (domain.MarketInfo, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketInfo, error)
	MarketCount(ctx context.Context) (uint64, error)
	EscrowBalance(ctx context.Context, id uint64) (domain.Amount, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	archive domain.BlobReader
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. archive may be nil when the
// settlement archive is disabled.
func NewMarketHandler(markets MarketService, archive domain.BlobReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		archive: archive,
		logger:  logHandler(logger, "market"),
	}
}

type createMarketRequest struct {
	Asset           string       `json:"asset"`
	TargetPrice     domain.Price `json:"target_price"`
	DurationSeconds int64        `json:"duration_seconds"`
}

// CreateMarket opens a new market. Only the owner may call it.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.markets.CreateMarket(r.Context(), who, req.Asset, req.TargetPrice,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	info, err := h.markets.GetMarketInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(info))
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   uint64       `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets in id order with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	infos, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	total, err := h.markets.MarketCount(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "count markets", err)
		return
	}

	views := make([]marketView, 0, len(infos))
	for _, info := range infos {
		views = append(views, newMarketView(info))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.markets.GetMarketInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(info))
}

// GetEscrow returns the funds currently held for a market.
// GET /api/markets/{id}/escrow
func (h *MarketHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.markets.EscrowBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "escrow balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"balance":   domain.AmountString(bal),
	})
}

// GetArchive streams the archived settlement record of a market.
// GET /api/markets/{id}/archive
func (h *MarketHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "settlement archive is disabled")
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path := s3blob.SettlementPath(id)
	found, err := h.archive.Exists(r.Context(), path)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive lookup failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "market has not been archived")
		return
	}

	body, err := h.archive.Get(r.Context(), path)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive read failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

type archiveEntryView struct {
	MarketID     uint64    `json:"market_id"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchive handles GET /api/archive. It lists archived settlements in
// market id order.
func (h *MarketHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "settlement archive is disabled")
		return
	}

	blobs, err := h.archive.List(r.Context(), s3blob.SettlementPrefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive list failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}

	entries := make([]archiveEntryView, 0, len(blobs))
	for _, b := range blobs {
		id, ok := s3blob.MarketIDFromPath(b.Path)
		if !ok {
			continue
		}
		entries = append(entries, archiveEntryView{
			MarketID:     id,
			Path:         b.Path,
			Size:         b.Size,
			LastModified: b.LastModified,
		})
	}
	slices.SortFunc(entries, func(a, b archiveEntryView) int {
		return cmp.Compare(a.MarketID, b.MarketID)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"settlements": entries,
		"total":       len(entries),
	})
}
