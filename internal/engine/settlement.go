package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// RequestSettlement is the first settlement phase. It closes the market
// (Open -> Locked), obtains the settlement price and returns the sealed
// predictions that must be decrypted before FinalizeSettlement.
//
// Locked is the durable "pending settlement" state: an oracle failure leaves
// the market Locked and a later call retries from there. Once a price has been
// recorded every later attempt reuses it, so the outcome cannot change between
// retries.
func (e *Engine) RequestSettlement(ctx context.Context, id uint64) (domain.SettlementRequest, error) {
	var m domain.Market
	locked := false
	err := e.store.WithMarket(ctx, id, func(tx domain.MarketTx) error {
		m = tx.Market()
		switch {
		case m.State == domain.MarketSettled:
			return domain.ErrAlreadySettled
		case !m.Ended(e.now()):
			return domain.ErrNotEnded
		case m.State == domain.MarketOpen:
			m.State = domain.MarketLocked
			locked = true
			return tx.SaveMarket(ctx, m)
		}
		return nil
	})
	if err != nil {
		return domain.SettlementRequest{}, fmt.Errorf("engine: request settlement %d: %w", id, err)
	}
	if locked {
		e.logger.InfoContext(ctx, "market locked", slog.Uint64("market_id", id))
	}

	// The oracle is queried without holding the market lock.
	var quoted *domain.Price
	if m.SettlementPrice == nil {
		p, err := e.oracle.GetCurrentPrice(ctx, m.Asset)
		if err != nil {
			if !errors.Is(err, domain.ErrOracleUnavailable) {
				err = fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
			}
			e.logger.WarnContext(ctx, "settlement price unavailable",
				slog.Uint64("market_id", id),
				slog.String("asset", m.Asset),
				slog.String("error", err.Error()),
			)
			return domain.SettlementRequest{}, fmt.Errorf("engine: request settlement %d: %w", id, err)
		}
		quoted = &p
	}

	var bets []domain.Bet
	recorded := false
	err = e.store.WithMarket(ctx, id, func(tx domain.MarketTx) error {
		m = tx.Market()
		if m.State == domain.MarketSettled {
			return domain.ErrAlreadySettled
		}
		if m.SettlementPrice == nil {
			if quoted == nil {
				return domain.ErrNotLocked
			}
			m.SettlementPrice = quoted
			recorded = true
			if err := tx.SaveMarket(ctx, m); err != nil {
				return err
			}
		}
		var err error
		bets, err = tx.ListBets(ctx)
		return err
	})
	if err != nil {
		return domain.SettlementRequest{}, fmt.Errorf("engine: request settlement %d: %w", id, err)
	}

	req := domain.SettlementRequest{
		MarketID:     id,
		Asset:        m.Asset,
		Price:        *m.SettlementPrice,
		OutcomeAbove: *m.SettlementPrice >= m.TargetPrice,
		Bets:         make([]domain.SealedBet, 0, len(bets)),
		RequestedAt:  e.now(),
	}
	for _, b := range bets {
		req.Bets = append(req.Bets, domain.SealedBet{
			Participant: b.Participant,
			Ciphertext:  b.EncryptedPrediction,
		})
	}

	if recorded {
		e.logger.InfoContext(ctx, "settlement requested",
			slog.Uint64("market_id", id),
			slog.String("price", req.Price.String()),
			slog.Bool("outcome_above", req.OutcomeAbove),
			slog.Int("bets", len(req.Bets)),
		)
		e.emit(ctx, domain.EventSettlementRequested, id, map[string]any{
			"price":         req.Price.String(),
			"outcome_above": req.OutcomeAbove,
			"bets":          float64(len(req.Bets)),
		})
	}
	return req, nil
}

// FinalizeSettlement is the second settlement phase. reveals must hold exactly
// one prediction per recorded bet. The first finalize to commit wins; any later
// call fails with ErrAlreadySettled.
func (e *Engine) FinalizeSettlement(ctx context.Context, id uint64, reveals map[domain.Identity]domain.Prediction) (domain.Market, error) {
	var m domain.Market
	err := e.store.WithMarket(ctx, id, func(tx domain.MarketTx) error {
		m = tx.Market()
		switch {
		case m.State == domain.MarketSettled:
			return domain.ErrAlreadySettled
		case m.State != domain.MarketLocked, m.SettlementPrice == nil:
			return domain.ErrNotLocked
		}

		bets, err := tx.ListBets(ctx)
		if err != nil {
			return err
		}
		if len(reveals) != len(bets) {
			return fmt.Errorf("%w: got %d reveals for %d bets", domain.ErrInvalidReveal, len(reveals), len(bets))
		}

		outcome := *m.SettlementPrice >= m.TargetPrice
		var winning domain.Amount
		for _, b := range bets {
			p, ok := reveals[b.Participant]
			if !ok || p == domain.PredictionHidden || !p.Valid() {
				return fmt.Errorf("%w: participant %s", domain.ErrInvalidReveal, b.Participant.Hex())
			}
			b.Revealed = p
			if p.Matches(outcome) {
				winning, _ = domain.AddAmount(winning, b.Stake)
			}
			if err := tx.SaveBet(ctx, b); err != nil {
				return err
			}
		}

		settledAt := e.now()
		m.State = domain.MarketSettled
		m.OutcomeAbove = &outcome
		m.WinningStake = winning
		m.SettledAt = &settledAt
		return tx.SaveMarket(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: finalize settlement %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "market settled",
		slog.Uint64("market_id", id),
		slog.Bool("outcome_above", *m.OutcomeAbove),
		slog.String("price", m.SettlementPrice.String()),
		slog.String("winning_stake", m.WinningStake.Dec()),
	)
	e.emit(ctx, domain.EventMarketSettled, id, map[string]any{
		"outcome_above": *m.OutcomeAbove,
		"price":         m.SettlementPrice.String(),
		"total_pool":    m.TotalPool.Dec(),
		"winning_stake": m.WinningStake.Dec(),
	})
	e.archive(ctx, m)
	return m, nil
}

// SettleMarket runs both settlement phases with the configured Decryptor.
func (e *Engine) SettleMarket(ctx context.Context, id uint64) (domain.Market, error) {
	req, err := e.RequestSettlement(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if e.decryptor == nil {
		return domain.Market{}, fmt.Errorf("engine: settle %d: %w: no decryptor configured", id, domain.ErrDecryptionFailed)
	}
	reveals, err := e.decryptor.Decrypt(ctx, req)
	if err != nil {
		if !errors.Is(err, domain.ErrDecryptionFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
		}
		return domain.Market{}, fmt.Errorf("engine: settle %d: %w", id, err)
	}
	return e.FinalizeSettlement(ctx, id, reveals)
}

func (e *Engine) archive(ctx context.Context, m domain.Market) {
	if e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	bets, err := e.store.ListBets(ctx, m.ID)
	if err == nil {
		_, err = e.archiver.ArchiveSettlement(ctx, m, bets)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "settlement archive failed",
			slog.Uint64("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}
