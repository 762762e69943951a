// Package memory implements the domain store interfaces in process memory.
// It is used for local runs and tests; nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// MarketStore implements domain.MarketStore. Each market carries an RWMutex
// that plays the role of the row lock: WithMarket takes it exclusively,
// WithBet takes it shared plus a per-bet mutex.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[uint64]*record
	next    uint64
}

type record struct {
	lock sync.RWMutex

	// data guards the fields below for short reads and commits.
	data     sync.Mutex
	market   domain.Market
	bets     map[domain.Identity]domain.Bet
	order    []domain.Identity
	escrow   []domain.EscrowEntry
	betLocks map[domain.Identity]*sync.Mutex
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[uint64]*record)}
}

func (s *MarketStore) get(id uint64) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	return r, nil
}

// CreateMarket assigns the next sequential id and stores m.
func (s *MarketStore) CreateMarket(_ context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.next
	s.next++
	s.markets[m.ID] = &record{
		market:   cloneMarket(m),
		bets:     make(map[domain.Identity]domain.Bet),
		betLocks: make(map[domain.Identity]*sync.Mutex),
	}
	return cloneMarket(m), nil
}

// GetMarket returns market id or domain.ErrMarketNotFound.
func (s *MarketStore) GetMarket(_ context.Context, id uint64) (domain.Market, error) {
	r, err := s.get(id)
	if err != nil {
		return domain.Market{}, err
	}
	r.data.Lock()
	defer r.data.Unlock()
	return cloneMarket(r.market), nil
}

func (s *MarketStore) snapshot() []domain.Market {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.markets))
	for _, r := range s.markets {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]domain.Market, 0, len(recs))
	for _, r := range recs {
		r.data.Lock()
		out = append(out, cloneMarket(r.market))
		r.data.Unlock()
	}
	return out
}

// ListMarkets returns markets newest first, filtered on creation time.
func (s *MarketStore) ListMarkets(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	all := s.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	var filtered []domain.Market
	for _, m := range all {
		if opts.Since != nil && m.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && m.CreatedAt.After(*opts.Until) {
			continue
		}
		filtered = append(filtered, m)
	}
	return page(filtered, opts.Limit, opts.Offset), nil
}

// ListDue returns unsettled markets whose end time is at or before now.
func (s *MarketStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	var due []domain.Market
	for _, m := range s.snapshot() {
		if m.State != domain.MarketSettled && m.Ended(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].EndTime.Equal(due[j].EndTime) {
			return due[i].ID < due[j].ID
		}
		return due[i].EndTime.Before(due[j].EndTime)
	})
	return page(due, limit, 0), nil
}

// CountMarkets returns the number of markets ever created.
func (s *MarketStore) CountMarkets(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next, nil
}

// GetBet returns participant's bet or an error wrapping domain.ErrNotFound.
func (s *MarketStore) GetBet(_ context.Context, marketID uint64, participant domain.Identity) (domain.Bet, error) {
	r, err := s.get(marketID)
	if err != nil {
		return domain.Bet{}, err
	}
	r.data.Lock()
	defer r.data.Unlock()
	b, ok := r.bets[participant]
	if !ok {
		return domain.Bet{}, fmt.Errorf("memory: bet %d/%s: %w", marketID, participant.Hex(), domain.ErrNotFound)
	}
	return cloneBet(b), nil
}

// ListBets returns the bets of a market in placement order.
func (s *MarketStore) ListBets(_ context.Context, marketID uint64) ([]domain.Bet, error) {
	r, err := s.get(marketID)
	if err != nil {
		return nil, err
	}
	r.data.Lock()
	defer r.data.Unlock()
	return r.listBets(), nil
}

func (r *record) listBets() []domain.Bet {
	out := make([]domain.Bet, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, cloneBet(r.bets[p]))
	}
	return out
}

// EscrowBalance returns deposits minus releases for a market.
func (s *MarketStore) EscrowBalance(_ context.Context, marketID uint64) (domain.Amount, error) {
	r, err := s.get(marketID)
	if err != nil {
		return domain.Amount{}, err
	}
	r.data.Lock()
	defer r.data.Unlock()
	var bal domain.Amount
	for _, e := range r.escrow {
		switch e.Kind {
		case domain.EscrowDeposit:
			bal, _ = domain.AddAmount(bal, e.Amount)
		case domain.EscrowRelease:
			var underflow bool
			bal, underflow = domain.SubAmount(bal, e.Amount)
			if underflow {
				return domain.Amount{}, fmt.Errorf("memory: escrow %d: negative balance", marketID)
			}
		}
	}
	return bal, nil
}

// EscrowEntries returns the escrow journal of a market.
func (s *MarketStore) EscrowEntries(_ context.Context, marketID uint64) ([]domain.EscrowEntry, error) {
	r, err := s.get(marketID)
	if err != nil {
		return nil, err
	}
	r.data.Lock()
	defer r.data.Unlock()
	return append([]domain.EscrowEntry(nil), r.escrow...), nil
}

// WithMarket runs fn with the market locked exclusively. Writes are staged and
// applied only when fn returns nil.
func (s *MarketStore) WithMarket(ctx context.Context, marketID uint64, fn func(tx domain.MarketTx) error) error {
	r, err := s.get(marketID)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.data.Lock()
	tx := &marketTx{
		market: cloneMarket(r.market),
		bets:   make(map[domain.Identity]domain.Bet, len(r.bets)),
		order:  append([]domain.Identity(nil), r.order...),
	}
	for p, b := range r.bets {
		tx.bets[p] = cloneBet(b)
	}
	r.data.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	r.data.Lock()
	defer r.data.Unlock()
	r.market = tx.market
	r.bets = tx.bets
	r.order = tx.order
	r.escrow = append(r.escrow, tx.escrow...)
	return nil
}

// WithBet runs fn holding the market lock shared and the bet lock
// exclusively.
func (s *MarketStore) WithBet(ctx context.Context, marketID uint64, participant domain.Identity, fn func(tx domain.BetTx) error) error {
	r, err := s.get(marketID)
	if err != nil {
		return err
	}
	r.lock.RLock()
	defer r.lock.RUnlock()

	r.data.Lock()
	bl, ok := r.betLocks[participant]
	if !ok {
		bl = &sync.Mutex{}
		r.betLocks[participant] = bl
	}
	r.data.Unlock()

	bl.Lock()
	defer bl.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.data.Lock()
	b, found := r.bets[participant]
	tx := &betTx{market: cloneMarket(r.market), bet: cloneBet(b), found: found}
	r.data.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty && len(tx.escrow) == 0 {
		return nil
	}

	r.data.Lock()
	defer r.data.Unlock()
	if tx.dirty {
		r.bets[participant] = tx.bet
	}
	r.escrow = append(r.escrow, tx.escrow...)
	return nil
}

type marketTx struct {
	market domain.Market
	bets   map[domain.Identity]domain.Bet
	order  []domain.Identity
	escrow []domain.EscrowEntry
}

func (t *marketTx) Market() domain.Market { return cloneMarket(t.market) }

func (t *marketTx) SaveMarket(_ context.Context, m domain.Market) error {
	if m.ID != t.market.ID {
		return fmt.Errorf("memory: save market %d inside transaction for %d", m.ID, t.market.ID)
	}
	if err := domain.CheckTransition(t.market.State, m.State); err != nil {
		return fmt.Errorf("memory: save market %d: %w", m.ID, err)
	}
	t.market = cloneMarket(m)
	return nil
}

func (t *marketTx) GetBet(_ context.Context, participant domain.Identity) (domain.Bet, bool, error) {
	b, ok := t.bets[participant]
	return cloneBet(b), ok, nil
}

func (t *marketTx) ListBets(_ context.Context) ([]domain.Bet, error) {
	out := make([]domain.Bet, 0, len(t.order))
	for _, p := range t.order {
		out = append(out, cloneBet(t.bets[p]))
	}
	return out, nil
}

func (t *marketTx) InsertBet(_ context.Context, b domain.Bet) error {
	if _, ok := t.bets[b.Participant]; ok {
		return fmt.Errorf("memory: insert bet %s: %w", b.Participant.Hex(), domain.ErrAlreadyExists)
	}
	t.bets[b.Participant] = cloneBet(b)
	t.order = append(t.order, b.Participant)
	return nil
}

func (t *marketTx) SaveBet(_ context.Context, b domain.Bet) error {
	if _, ok := t.bets[b.Participant]; !ok {
		return fmt.Errorf("memory: save bet %s: %w", b.Participant.Hex(), domain.ErrNotFound)
	}
	t.bets[b.Participant] = cloneBet(b)
	return nil
}

func (t *marketTx) AppendEscrow(_ context.Context, e domain.EscrowEntry) error {
	t.escrow = append(t.escrow, e)
	return nil
}

type betTx struct {
	market domain.Market
	bet    domain.Bet
	found  bool
	dirty  bool
	escrow []domain.EscrowEntry
}

func (t *betTx) Market() domain.Market { return cloneMarket(t.market) }

func (t *betTx) Bet() (domain.Bet, bool) { return cloneBet(t.bet), t.found }

func (t *betTx) SaveBet(_ context.Context, b domain.Bet) error {
	if !t.found || b.Participant != t.bet.Participant {
		return fmt.Errorf("memory: save bet %s: %w", b.Participant.Hex(), domain.ErrNotFound)
	}
	t.bet = cloneBet(b)
	t.dirty = true
	return nil
}

func (t *betTx) AppendEscrow(_ context.Context, e domain.EscrowEntry) error {
	t.escrow = append(t.escrow, e)
	return nil
}

func cloneMarket(m domain.Market) domain.Market {
	if m.SettlementPrice != nil {
		p := *m.SettlementPrice
		m.SettlementPrice = &p
	}
	if m.OutcomeAbove != nil {
		o := *m.OutcomeAbove
		m.OutcomeAbove = &o
	}
	if m.SettledAt != nil {
		t := *m.SettledAt
		m.SettledAt = &t
	}
	return m
}

func cloneBet(b domain.Bet) domain.Bet {
	b.EncryptedPrediction = bytes.Clone(b.EncryptedPrediction)
	if b.Payout != nil {
		p := *b.Payout
		b.Payout = &p
	}
	return b
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
