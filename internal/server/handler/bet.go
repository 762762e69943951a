package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// BetService is the part of the engine the bet routes need.
type BetService interface {
	PlaceBet(ctx context.Context, caller domain.Identity, id uint64, stake domain.Amount, prediction domain.Ciphertext) error
	GetUserBet(ctx context.Context, id uint64, participant domain.Identity) (domain.UserBet, error)
	WithdrawFunds(ctx context.Context, caller domain.Identity, id uint64) (domain.Amount, error)
}

// BetHandler serves bet placement, lookup and withdrawal.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logHandler(logger, "bet")}
}

type placeBetRequest struct {
	// Amount is the stake in wei, as a decimal string.
	Amount              string        `json:"amount"`
	EncryptedPrediction hexutil.Bytes `json:"encrypted_prediction"`
}

// PlaceBet records the caller's sealed prediction and moves the stake into
// escrow.
// POST /api/markets/{id}/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req placeBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stake, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "place bet", err)
		return
	}

	if err := h.bets.PlaceBet(r.Context(), who, id, stake, domain.Ciphertext(req.EncryptedPrediction)); err != nil {
		writeDomainError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"market_id":   id,
		"participant": who.Hex(),
		"stake":       domain.AmountString(stake),
	})
}

// GetUserBet reports whether address has a bet on the market and its stake.
// The prediction is never returned.
// GET /api/markets/{id}/bets/{address}
func (h *BetHandler) GetUserBet(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	participant := common.HexToAddress(raw)

	ub, err := h.bets.GetUserBet(r.Context(), id, participant)
	if err != nil {
		writeDomainError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": participant.Hex(),
		"has_bet":     ub.HasBet,
		"stake":       domain.AmountString(ub.Stake),
	})
}

// Withdraw releases the caller's payout from a settled market.
// POST /api/markets/{id}/withdraw
func (h *BetHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paid, err := h.bets.WithdrawFunds(r.Context(), who, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": who.Hex(),
		"amount":      domain.AmountString(paid),
	})
}
