package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newMarket(t *testing.T, s *MarketStore, end time.Time) domain.Market {
	t.Helper()
	m, err := s.CreateMarket(context.Background(), domain.Market{
		Asset:     "ETH",
		CreatedAt: end.Add(-time.Hour),
		EndTime:   end,
		State:     domain.MarketOpen,
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func TestCreateMarketSequentialIDs(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	end := time.Now()
	for want := uint64(0); want < 3; want++ {
		m := newMarket(t, s, end)
		if m.ID != want {
			t.Errorf("ID = %d, want %d", m.ID, want)
		}
	}
	n, _ := s.CountMarkets(ctx)
	if n != 3 {
		t.Errorf("CountMarkets = %d, want 3", n)
	}
	if _, err := s.GetMarket(ctx, 99); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Errorf("GetMarket(99) error = %v, want ErrMarketNotFound", err)
	}
}

func TestWithMarketRollsBackOnError(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	m := newMarket(t, s, time.Now().Add(time.Hour))

	boom := errors.New("boom")
	err := s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
		mm := tx.Market()
		mm.ParticipantCount = 7
		if err := tx.SaveMarket(ctx, mm); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: alice, Stake: *uint256.NewInt(1)}); err != nil {
			return err
		}
		if err := tx.AppendEscrow(ctx, domain.EscrowEntry{MarketID: m.ID, Kind: domain.EscrowDeposit, Amount: *uint256.NewInt(1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithMarket error = %v, want boom", err)
	}

	got, _ := s.GetMarket(ctx, m.ID)
	if got.ParticipantCount != 0 {
		t.Errorf("ParticipantCount = %d, want 0 after rollback", got.ParticipantCount)
	}
	if _, err := s.GetBet(ctx, m.ID, alice); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetBet error = %v, want ErrNotFound after rollback", err)
	}
	bal, _ := s.EscrowBalance(ctx, m.ID)
	if !bal.IsZero() {
		t.Errorf("EscrowBalance = %s, want 0 after rollback", bal.Dec())
	}
}

func TestWithMarketCommit(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	m := newMarket(t, s, time.Now().Add(time.Hour))

	err := s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
		for _, p := range []domain.Identity{alice, bob} {
			if err := tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: p, Stake: *uint256.NewInt(5)}); err != nil {
				return err
			}
			if err := tx.AppendEscrow(ctx, domain.EscrowEntry{MarketID: m.ID, Participant: p, Kind: domain.EscrowDeposit, Amount: *uint256.NewInt(5)}); err != nil {
				return err
			}
		}
		return tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: alice})
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate InsertBet error = %v, want ErrAlreadyExists", err)
	}

	err = s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
		for _, p := range []domain.Identity{bob, alice} {
			if err := tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: p, Stake: *uint256.NewInt(5)}); err != nil {
				return err
			}
			if err := tx.AppendEscrow(ctx, domain.EscrowEntry{MarketID: m.ID, Participant: p, Kind: domain.EscrowDeposit, Amount: *uint256.NewInt(5)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMarket: %v", err)
	}

	bets, _ := s.ListBets(ctx, m.ID)
	if len(bets) != 2 || bets[0].Participant != bob || bets[1].Participant != alice {
		t.Errorf("ListBets order = %v, want [bob alice]", bets)
	}
	bal, _ := s.EscrowBalance(ctx, m.ID)
	if bal.Uint64() != 10 {
		t.Errorf("EscrowBalance = %s, want 10", bal.Dec())
	}
}

func TestWithBetConcurrentParticipants(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	m := newMarket(t, s, time.Now())

	participants := make([]domain.Identity, 20)
	_ = s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
		for i := range participants {
			participants[i] = common.BigToAddress(uint256.NewInt(uint64(i + 1)).ToBig())
			if err := tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: participants[i], Stake: *uint256.NewInt(3)}); err != nil {
				return err
			}
			_ = tx.AppendEscrow(ctx, domain.EscrowEntry{Kind: domain.EscrowDeposit, Amount: *uint256.NewInt(3)})
		}
		return nil
	})

	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(p domain.Identity) {
			defer wg.Done()
			err := s.WithBet(ctx, m.ID, p, func(tx domain.BetTx) error {
				b, found := tx.Bet()
				if !found {
					return domain.ErrNoBet
				}
				b.Withdrawn = true
				if err := tx.SaveBet(ctx, b); err != nil {
					return err
				}
				return tx.AppendEscrow(ctx, domain.EscrowEntry{Kind: domain.EscrowRelease, Amount: b.Stake})
			})
			if err != nil {
				t.Errorf("WithBet(%s): %v", p.Hex(), err)
			}
		}(p)
	}
	wg.Wait()

	bal, err := s.EscrowBalance(ctx, m.ID)
	if err != nil {
		t.Fatalf("EscrowBalance: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("EscrowBalance = %s, want 0", bal.Dec())
	}
	bets, _ := s.ListBets(ctx, m.ID)
	for _, b := range bets {
		if !b.Withdrawn {
			t.Errorf("bet %s not marked withdrawn", b.Participant.Hex())
		}
	}
}

func TestWithBetMissingBet(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	m := newMarket(t, s, time.Now())

	err := s.WithBet(ctx, m.ID, alice, func(tx domain.BetTx) error {
		if _, found := tx.Bet(); found {
			t.Error("Bet() found = true, want false")
		}
		return tx.SaveBet(ctx, domain.Bet{Participant: alice})
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SaveBet on missing bet error = %v, want ErrNotFound", err)
	}
	if err := s.WithBet(ctx, 42, alice, func(domain.BetTx) error { return nil }); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Errorf("WithBet(42) error = %v, want ErrMarketNotFound", err)
	}
}

func TestListMarketsAndDue(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	past := newMarket(t, s, now.Add(-time.Minute))
	future := newMarket(t, s, now.Add(time.Minute))
	settled := newMarket(t, s, now.Add(-2*time.Minute))
	for _, st := range []domain.MarketState{domain.MarketLocked, domain.MarketSettled} {
		err := s.WithMarket(ctx, settled.ID, func(tx domain.MarketTx) error {
			m := tx.Market()
			m.State = st
			return tx.SaveMarket(ctx, m)
		})
		if err != nil {
			t.Fatalf("move to %s: %v", st, err)
		}
	}

	all, _ := s.ListMarkets(ctx, domain.ListOpts{})
	if len(all) != 3 || all[0].ID != settled.ID || all[2].ID != past.ID {
		t.Errorf("ListMarkets order wrong: %+v", all)
	}
	paged, _ := s.ListMarkets(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != future.ID {
		t.Errorf("ListMarkets page = %+v, want [%d]", paged, future.ID)
	}

	due, _ := s.ListDue(ctx, now, 10)
	if len(due) != 1 || due[0].ID != past.ID {
		t.Errorf("ListDue = %+v, want only market %d", due, past.ID)
	}
}

func TestAuditStore(t *testing.T) {
	a := NewAuditStore()
	ctx := context.Background()
	_ = a.Log(ctx, "market_created", map[string]any{"asset": "ETH"})
	_ = a.Log(ctx, "bet_placed", map[string]any{"amount": "1"})

	entries, err := a.List(ctx, domain.ListOpts{Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "bet_placed" {
		t.Errorf("List = %+v, want newest bet_placed", entries)
	}
}

func TestSaveMarketEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		steps []domain.MarketState
		err   error
	}{
		{"lock then settle", []domain.MarketState{domain.MarketLocked, domain.MarketSettled}, nil},
		{"resave open", []domain.MarketState{domain.MarketOpen}, nil},
		{"skip lock", []domain.MarketState{domain.MarketSettled}, domain.ErrBadTransition},
		{"reopen", []domain.MarketState{domain.MarketLocked, domain.MarketOpen}, domain.ErrBadTransition},
		{"unknown", []domain.MarketState{"paused"}, domain.ErrBadTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMarketStore()
			m := newMarket(t, s, time.Now())
			var last error
			for _, next := range tt.steps {
				last = s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
					mm := tx.Market()
					mm.State = next
					return tx.SaveMarket(ctx, mm)
				})
				if last != nil {
					break
				}
			}
			if tt.err == nil && last != nil {
				t.Fatalf("WithMarket: %v", last)
			}
			if tt.err != nil && !errors.Is(last, tt.err) {
				t.Fatalf("WithMarket error = %v, want %v", last, tt.err)
			}
			got, _ := s.GetMarket(ctx, m.ID)
			if tt.err == nil && got.State != tt.steps[len(tt.steps)-1] {
				t.Errorf("State = %s, want %s", got.State, tt.steps[len(tt.steps)-1])
			}
			if tt.err != nil && got.State == tt.steps[len(tt.steps)-1] {
				t.Errorf("State = %s committed despite rejected transition", got.State)
			}
		})
	}
}

func TestEscrowEntriesJournal(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()
	m := newMarket(t, s, time.Now().Add(time.Hour))

	err := s.WithMarket(ctx, m.ID, func(tx domain.MarketTx) error {
		if err := tx.InsertBet(ctx, domain.Bet{MarketID: m.ID, Participant: alice, Stake: *uint256.NewInt(3)}); err != nil {
			return err
		}
		return tx.AppendEscrow(ctx, domain.EscrowEntry{MarketID: m.ID, Participant: alice, Kind: domain.EscrowDeposit, Amount: *uint256.NewInt(3)})
	})
	if err != nil {
		t.Fatalf("WithMarket: %v", err)
	}
	err = s.WithBet(ctx, m.ID, alice, func(tx domain.BetTx) error {
		return tx.AppendEscrow(ctx, domain.EscrowEntry{MarketID: m.ID, Participant: alice, Kind: domain.EscrowRelease, Amount: *uint256.NewInt(3)})
	})
	if err != nil {
		t.Fatalf("WithBet: %v", err)
	}

	entries, err := s.EscrowEntries(ctx, m.ID)
	if err != nil {
		t.Fatalf("EscrowEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Kind != domain.EscrowDeposit || entries[1].Kind != domain.EscrowRelease {
		t.Errorf("kinds = [%s %s], want [deposit release]", entries[0].Kind, entries[1].Kind)
	}
	entries[0].Amount = *uint256.NewInt(99)
	again, _ := s.EscrowEntries(ctx, m.ID)
	if again[0].Amount.Uint64() != 3 {
		t.Error("EscrowEntries returned a slice aliasing the journal")
	}
	bal, _ := s.EscrowBalance(ctx, m.ID)
	if !bal.IsZero() {
		t.Errorf("EscrowBalance = %s, want 0", bal.Dec())
	}
	if _, err := s.EscrowEntries(ctx, 42); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Errorf("EscrowEntries(42) error = %v, want ErrMarketNotFound", err)
	}
}
