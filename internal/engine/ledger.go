package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// PlaceBet records caller's confidential bet on market id and moves stake into
// escrow. The deposit, the bet row and the pool counters commit together.
func (e *Engine) PlaceBet(ctx context.Context, caller domain.Identity, id uint64, stake domain.Amount, prediction domain.Ciphertext) error {
	var m domain.Market
	err := e.store.WithMarket(ctx, id, func(tx domain.MarketTx) error {
		m = tx.Market()
		now := e.now()
		if !m.AcceptsBets(now) {
			return domain.ErrMarketEnded
		}
		if _, found, err := tx.GetBet(ctx, caller); err != nil {
			return err
		} else if found {
			return domain.ErrAlreadyBet
		}
		if stake.IsZero() {
			return domain.ErrInvalidStake
		}
		if err := prediction.Validate(); err != nil {
			return err
		}

		pool, overflow := domain.AddAmount(m.TotalPool, stake)
		if overflow {
			return fmt.Errorf("%w: pool overflow", domain.ErrInvalidStake)
		}

		if err := tx.InsertBet(ctx, domain.Bet{
			MarketID:            id,
			Participant:         caller,
			Stake:               stake,
			EncryptedPrediction: bytes.Clone(prediction),
			PlacedAt:            now,
		}); err != nil {
			return err
		}
		if err := tx.AppendEscrow(ctx, domain.EscrowEntry{
			MarketID:    id,
			Participant: caller,
			Kind:        domain.EscrowDeposit,
			Amount:      stake,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		m.TotalPool = pool
		m.ParticipantCount++
		return tx.SaveMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("engine: place bet on %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "bet placed",
		slog.Uint64("market_id", id),
		slog.String("participant", caller.Hex()),
		slog.String("amount", stake.Dec()),
		slog.String("total_pool", m.TotalPool.Dec()),
	)
	e.emit(ctx, domain.EventBetPlaced, id, map[string]any{
		"participant": caller.Hex(),
		"amount":      stake.Dec(),
	})
	return nil
}

// GetUserBet returns the public part of participant's bet on market id. A
// participant without a bet gets the zero value, not an error.
func (e *Engine) GetUserBet(ctx context.Context, id uint64, participant domain.Identity) (domain.UserBet, error) {
	if _, err := e.store.GetMarket(ctx, id); err != nil {
		return domain.UserBet{}, fmt.Errorf("engine: get user bet: %w", err)
	}
	b, err := e.store.GetBet(ctx, id, participant)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UserBet{}, nil
	}
	if err != nil {
		return domain.UserBet{}, fmt.Errorf("engine: get user bet: %w", err)
	}
	return domain.UserBet{Stake: b.Stake, HasBet: true}, nil
}
