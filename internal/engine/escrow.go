package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Payout computes what b receives from settled market m.
//
// Winners get floor(stake * totalPool / winningStake); the truncation
// remainder stays in escrow as the market residual. When nobody predicted
// correctly (winningStake == 0) every participant is refunded their stake.
func Payout(m domain.Market, b domain.Bet) (domain.Amount, error) {
	if m.State != domain.MarketSettled || m.OutcomeAbove == nil {
		return domain.Amount{}, domain.ErrNotSettled
	}
	if m.WinningStake.IsZero() {
		return b.Stake, nil
	}
	if !b.Revealed.Matches(*m.OutcomeAbove) {
		return domain.Amount{}, domain.ErrNotWinner
	}
	payout, overflow := domain.MulDiv(b.Stake, m.TotalPool, m.WinningStake)
	if overflow {
		return domain.Amount{}, fmt.Errorf("payout overflow for %s", b.Participant.Hex())
	}
	return payout, nil
}

// WithdrawFunds releases caller's payout from settled market id. The bet is
// marked withdrawn before the release entry is written, in one transaction.
func (e *Engine) WithdrawFunds(ctx context.Context, caller domain.Identity, id uint64) (domain.Amount, error) {
	var payout domain.Amount
	err := e.store.WithBet(ctx, id, caller, func(tx domain.BetTx) error {
		m := tx.Market()
		if m.State != domain.MarketSettled {
			return domain.ErrNotSettled
		}
		b, found := tx.Bet()
		if !found {
			return domain.ErrNoBet
		}
		var err error
		payout, err = Payout(m, b)
		if err != nil {
			return err
		}
		if b.Withdrawn {
			return domain.ErrAlreadyWithdrawn
		}

		b.Withdrawn = true
		b.Payout = &payout
		if err := tx.SaveBet(ctx, b); err != nil {
			return err
		}
		return tx.AppendEscrow(ctx, domain.EscrowEntry{
			MarketID:    id,
			Participant: caller,
			Kind:        domain.EscrowRelease,
			Amount:      payout,
			CreatedAt:   e.now(),
		})
	})
	if err != nil {
		return domain.Amount{}, fmt.Errorf("engine: withdraw from %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "funds withdrawn",
		slog.Uint64("market_id", id),
		slog.String("participant", caller.Hex()),
		slog.String("amount", payout.Dec()),
	)
	e.emit(ctx, domain.EventFundsWithdrawn, id, map[string]any{
		"participant": caller.Hex(),
		"amount":      payout.Dec(),
	})
	return payout, nil
}

// EscrowBalance returns the funds still held for market id. After every
// winner has withdrawn it equals the truncation residual.
func (e *Engine) EscrowBalance(ctx context.Context, id uint64) (domain.Amount, error) {
	bal, err := e.store.EscrowBalance(ctx, id)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("engine: escrow balance %d: %w", id, err)
	}
	return bal, nil
}
