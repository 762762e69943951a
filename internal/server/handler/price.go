package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// PriceHandler serves display prices. Settlement never reads these; it asks
// the oracle directly.
type PriceHandler struct {
	oracle domain.PriceOracle
	cache  domain.PriceCache
	now    func() time.Time
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler. cache may be nil.
func NewPriceHandler(oracle domain.PriceOracle, cache domain.PriceCache, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{
		oracle: oracle,
		cache:  cache,
		now:    time.Now,
		logger: logHandler(logger, "price"),
	}
}

// GetPrice returns the latest oracle price of an asset, falling back to the
// last cached quote when the oracle is unavailable.
// GET /api/prices/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(r.PathValue("asset"))
	if asset == "" {
		writeError(w, http.StatusBadRequest, "missing asset")
		return
	}

	p, err := h.oracle.GetCurrentPrice(r.Context(), asset)
	if err == nil {
		ts := h.now().UTC()
		if h.cache != nil {
			if cerr := h.cache.SetPrice(r.Context(), asset, p, ts); cerr != nil {
				h.logger.WarnContext(r.Context(), "handler: price cache write failed",
					slog.String("asset", asset),
					slog.String("error", cerr.Error()),
				)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"asset":     asset,
			"price":     p,
			"timestamp": ts,
			"cached":    false,
		})
		return
	}

	if h.cache != nil {
		if cp, ts, cerr := h.cache.GetPrice(r.Context(), asset); cerr == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"asset":     asset,
				"price":     cp,
				"timestamp": ts,
				"cached":    true,
			})
			return
		}
	}
	writeDomainError(w, r, h.logger, "get price", err)
}

// GetPrices returns cached quotes for a comma separated asset list. Assets
// with no cached quote are omitted.
// GET /api/prices?assets=ETH,BTC
func (h *PriceHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, "price cache is disabled")
		return
	}
	var assets []string
	for _, a := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		writeError(w, http.StatusBadRequest, "missing assets")
		return
	}

	prices, err := h.cache.GetPrices(r.Context(), assets)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: price cache read failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "price cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}
