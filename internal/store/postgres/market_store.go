package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

const (
	marketColumns = `id, asset, target_price, creator, created_at, end_time, state,
		total_pool::text, participant_count, settlement_price, outcome_above,
		winning_stake::text, settled_at`
	betColumns = `market_id, participant, stake::text, ciphertext, revealed,
		withdrawn, payout::text, placed_at`
)

// MarketStore implements domain.MarketStore. WithMarket holds the market row
// FOR UPDATE; WithBet holds it FOR SHARE and the bet row FOR UPDATE.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// CreateMarket takes the next id from market_counter and inserts m.
func (s *MarketStore) CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var next int64
		if err := tx.QueryRow(ctx,
			`UPDATE market_counter SET next_id = next_id + 1 RETURNING next_id - 1`,
		).Scan(&next); err != nil {
			return fmt.Errorf("next id: %w", err)
		}
		m.ID = uint64(next)
		_, err := tx.Exec(ctx, `
			INSERT INTO markets (
				id, asset, target_price, creator, created_at, end_time, state,
				total_pool, participant_count, winning_stake
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			next, m.Asset, int64(m.TargetPrice), m.Creator.Hex(), m.CreatedAt, m.EndTime,
			string(m.State), numeric(m.TotalPool), int64(m.ParticipantCount), numeric(m.WinningStake),
		)
		return err
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market: %w", err)
	}
	return m, nil
}

// GetMarket returns market id or domain.ErrMarketNotFound.
func (s *MarketStore) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, int64(id)))
	if err != nil {
		return domain.Market{}, marketErr(id, err)
	}
	return m, nil
}

// ListMarkets returns markets newest first.
func (s *MarketStore) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	q := newListQuery(`SELECT `+marketColumns+` FROM markets WHERE TRUE`).
		window("created_at", opts).
		orderPage("id DESC", opts.Limit, opts.Offset)
	return s.queryMarkets(ctx, q)
}

// ListDue returns unsettled markets whose end time has passed, oldest first.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	q := newListQuery(`SELECT `+marketColumns+` FROM markets WHERE state <> 'settled' AND end_time <= $1`, now).
		orderPage("end_time, id", limit, 0)
	return s.queryMarkets(ctx, q)
}

func (s *MarketStore) queryMarkets(ctx context.Context, q *listQuery) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// CountMarkets returns the number of ids handed out so far.
func (s *MarketStore) CountMarkets(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT next_id FROM market_counter`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return uint64(n), nil
}

// GetBet returns a bet or an error wrapping domain.ErrNotFound.
func (s *MarketStore) GetBet(ctx context.Context, marketID uint64, participant domain.Identity) (domain.Bet, error) {
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return domain.Bet{}, err
	}
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 AND participant = $2`,
		int64(marketID), participant.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bet{}, fmt.Errorf("postgres: bet %d/%s: %w", marketID, participant.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: get bet %d/%s: %w", marketID, participant.Hex(), err)
	}
	return b, nil
}

// ListBets returns the bets of a market in placement order.
func (s *MarketStore) ListBets(ctx context.Context, marketID uint64) ([]domain.Bet, error) {
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return listBets(ctx, s.pool, marketID)
}

// EscrowBalance sums deposits minus releases for a market.
func (s *MarketStore) EscrowBalance(ctx context.Context, marketID uint64) (domain.Amount, error) {
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return domain.Amount{}, err
	}
	var bal string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE kind WHEN 'deposit' THEN amount ELSE -amount END), 0)::text
		FROM escrow_entries WHERE market_id = $1`, int64(marketID)).Scan(&bal)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("postgres: escrow balance %d: %w", marketID, err)
	}
	a, err := domain.ParseAmount(bal)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("postgres: escrow %d: balance %s: %w", marketID, bal, err)
	}
	return a, nil
}

// WithMarket runs fn inside a transaction holding the market row FOR UPDATE.
func (s *MarketStore) WithMarket(ctx context.Context, marketID uint64, fn func(tx domain.MarketTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMarket(tx.QueryRow(ctx,
			`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, int64(marketID)))
		if err != nil {
			return marketErr(marketID, err)
		}
		return fn(&marketTx{tx: tx, market: m})
	})
}

// WithBet runs fn with the market row FOR SHARE and the bet row FOR UPDATE.
func (s *MarketStore) WithBet(ctx context.Context, marketID uint64, participant domain.Identity, fn func(tx domain.BetTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMarket(tx.QueryRow(ctx,
			`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR SHARE`, int64(marketID)))
		if err != nil {
			return marketErr(marketID, err)
		}
		b, err := scanBet(tx.QueryRow(ctx,
			`SELECT `+betColumns+` FROM bets WHERE market_id = $1 AND participant = $2 FOR UPDATE`,
			int64(marketID), participant.Hex()))
		found := true
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("postgres: lock bet %d/%s: %w", marketID, participant.Hex(), err)
		}
		return fn(&betTx{tx: tx, market: m, bet: b, found: found})
	})
}

type marketTx struct {
	tx     pgx.Tx
	market domain.Market
}

func (t *marketTx) Market() domain.Market { return t.market }

func (t *marketTx) SaveMarket(ctx context.Context, m domain.Market) error {
	if m.ID != t.market.ID {
		return fmt.Errorf("postgres: save market %d inside transaction for %d", m.ID, t.market.ID)
	}
	if err := domain.CheckTransition(t.market.State, m.State); err != nil {
		return fmt.Errorf("postgres: save market %d: %w", m.ID, err)
	}
	var price *int64
	if m.SettlementPrice != nil {
		p := int64(*m.SettlementPrice)
		price = &p
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE markets SET
			state             = $2,
			total_pool        = $3,
			participant_count = $4,
			settlement_price  = $5,
			outcome_above     = $6,
			winning_stake     = $7,
			settled_at        = $8
		WHERE id = $1`,
		int64(m.ID), string(m.State), numeric(m.TotalPool), int64(m.ParticipantCount),
		price, m.OutcomeAbove, numeric(m.WinningStake), m.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save market %d: %w", m.ID, err)
	}
	t.market = m
	return nil
}

func (t *marketTx) GetBet(ctx context.Context, participant domain.Identity) (domain.Bet, bool, error) {
	b, err := scanBet(t.tx.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 AND participant = $2`,
		int64(t.market.ID), participant.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bet{}, false, nil
	}
	if err != nil {
		return domain.Bet{}, false, fmt.Errorf("postgres: get bet %s: %w", participant.Hex(), err)
	}
	return b, true, nil
}

func (t *marketTx) ListBets(ctx context.Context) ([]domain.Bet, error) {
	return listBets(ctx, t.tx, t.market.ID)
}

func (t *marketTx) InsertBet(ctx context.Context, b domain.Bet) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bets (market_id, participant, stake, ciphertext, revealed, withdrawn, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(b.MarketID), b.Participant.Hex(), numeric(b.Stake), []byte(b.EncryptedPrediction),
		string(b.Revealed), b.Withdrawn, b.PlacedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("postgres: insert bet %s: %w", b.Participant.Hex(), domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert bet %s: %w", b.Participant.Hex(), err)
	}
	return nil
}

func (t *marketTx) SaveBet(ctx context.Context, b domain.Bet) error {
	return saveBet(ctx, t.tx, b)
}

func (t *marketTx) AppendEscrow(ctx context.Context, e domain.EscrowEntry) error {
	return appendEscrow(ctx, t.tx, e)
}

type betTx struct {
	tx     pgx.Tx
	market domain.Market
	bet    domain.Bet
	found  bool
}

func (t *betTx) Market() domain.Market { return t.market }

func (t *betTx) Bet() (domain.Bet, bool) { return t.bet, t.found }

func (t *betTx) SaveBet(ctx context.Context, b domain.Bet) error {
	if !t.found || b.Participant != t.bet.Participant {
		return fmt.Errorf("postgres: save bet %s: %w", b.Participant.Hex(), domain.ErrNotFound)
	}
	if err := saveBet(ctx, t.tx, b); err != nil {
		return err
	}
	t.bet = b
	return nil
}

func (t *betTx) AppendEscrow(ctx context.Context, e domain.EscrowEntry) error {
	return appendEscrow(ctx, t.tx, e)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listBets(ctx context.Context, q querier, marketID uint64) ([]domain.Bet, error) {
	rows, err := q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 ORDER BY seq`, int64(marketID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return out, nil
}

func saveBet(ctx context.Context, tx pgx.Tx, b domain.Bet) error {
	var payout *pgtype.Numeric
	if b.Payout != nil {
		n := numeric(*b.Payout)
		payout = &n
	}
	tag, err := tx.Exec(ctx, `
		UPDATE bets SET revealed = $3, withdrawn = $4, payout = $5
		WHERE market_id = $1 AND participant = $2`,
		int64(b.MarketID), b.Participant.Hex(), string(b.Revealed), b.Withdrawn, payout,
	)
	if err != nil {
		return fmt.Errorf("postgres: save bet %s: %w", b.Participant.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: save bet %s: %w", b.Participant.Hex(), domain.ErrNotFound)
	}
	return nil
}

func appendEscrow(ctx context.Context, tx pgx.Tx, e domain.EscrowEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_entries (market_id, participant, kind, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		int64(e.MarketID), e.Participant.Hex(), string(e.Kind), numeric(e.Amount), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append escrow %d: %w", e.MarketID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                 domain.Market
		id, target, count int64
		creator, state    string
		pool, winning     string
		price             *int64
	)
	if err := row.Scan(&id, &m.Asset, &target, &creator, &m.CreatedAt, &m.EndTime, &state,
		&pool, &count, &price, &m.OutcomeAbove, &winning, &m.SettledAt); err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.TargetPrice = domain.Price(target)
	m.Creator = common.HexToAddress(creator)
	m.State = domain.MarketState(state)
	if !m.State.Valid() {
		return domain.Market{}, fmt.Errorf("state: unknown value %q", state)
	}
	m.ParticipantCount = uint64(count)
	if price != nil {
		p := domain.Price(*price)
		m.SettlementPrice = &p
	}

	var err error
	if m.TotalPool, err = domain.ParseAmount(pool); err != nil {
		return domain.Market{}, fmt.Errorf("total_pool: %w", err)
	}
	if m.WinningStake, err = domain.ParseAmount(winning); err != nil {
		return domain.Market{}, fmt.Errorf("winning_stake: %w", err)
	}
	return m, nil
}

func scanBet(row pgx.Row) (domain.Bet, error) {
	var (
		b                  domain.Bet
		marketID           int64
		participant, stake string
		revealed           string
		payout             *string
		ciphertext         []byte
	)
	if err := row.Scan(&marketID, &participant, &stake, &ciphertext, &revealed,
		&b.Withdrawn, &payout, &b.PlacedAt); err != nil {
		return domain.Bet{}, err
	}
	b.MarketID = uint64(marketID)
	b.Participant = common.HexToAddress(participant)
	b.EncryptedPrediction = ciphertext
	b.Revealed = domain.Prediction(revealed)

	var err error
	if b.Stake, err = domain.ParseAmount(stake); err != nil {
		return domain.Bet{}, fmt.Errorf("stake: %w", err)
	}
	if payout != nil {
		p, err := domain.ParseAmount(*payout)
		if err != nil {
			return domain.Bet{}, fmt.Errorf("payout: %w", err)
		}
		b.Payout = &p
	}
	return b, nil
}

func numeric(a domain.Amount) pgtype.Numeric {
	return pgtype.Numeric{Int: a.ToBig(), Valid: true}
}

func marketErr(id uint64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: market %d: %w", id, domain.ErrMarketNotFound)
	}
	return fmt.Errorf("postgres: market %d: %w", id, err)
}

var _ domain.MarketStore = (*MarketStore)(nil)
