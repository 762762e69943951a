package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets, bets and escrow movements. Every mutation goes
// through WithMarket or WithBet so that it commits as a single unit.
type MarketStore interface {
	// CreateMarket assigns the next sequential id to m and persists it.
	CreateMarket(ctx context.Context, m Market) (Market, error)
	GetMarket(ctx context.Context, id uint64) (Market, error)
	ListMarkets(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListDue returns unsettled markets whose end time is at or before now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Market, error)
	CountMarkets(ctx context.Context) (uint64, error)

	GetBet(ctx context.Context, marketID uint64, participant Identity) (Bet, error)
	ListBets(ctx context.Context, marketID uint64) ([]Bet, error)
	EscrowBalance(ctx context.Context, marketID uint64) (Amount, error)

	// WithMarket runs fn holding an exclusive lock on the market row. If fn
	// returns an error nothing it wrote is kept.
	WithMarket(ctx context.Context, marketID uint64, fn func(tx MarketTx) error) error
	// WithBet runs fn holding a shared lock on the market and an exclusive
	// lock on one bet, so withdrawals by different participants do not
	// serialize on each other.
	WithBet(ctx context.Context, marketID uint64, participant Identity, fn func(tx BetTx) error) error
}

// MarketTx is the view of one market inside WithMarket.
type MarketTx interface {
	Market() Market
	SaveMarket(ctx context.Context, m Market) error
	// GetBet reports found=false when the participant has no bet.
	GetBet(ctx context.Context, participant Identity) (Bet, bool, error)
	ListBets(ctx context.Context) ([]Bet, error)
	InsertBet(ctx context.Context, b Bet) error
	SaveBet(ctx context.Context, b Bet) error
	AppendEscrow(ctx context.Context, e EscrowEntry) error
}

// BetTx is the view of one bet inside WithBet.
type BetTx interface {
	Market() Market
	// Bet reports found=false when the participant has no bet.
	Bet() (Bet, bool)
	SaveBet(ctx context.Context, b Bet) error
	AppendEscrow(ctx context.Context, e EscrowEntry) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
