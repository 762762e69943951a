package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is a participant or creator address.
type Identity = common.Address

// MarketState represents the lifecycle state of a market.
type MarketState string

const (
	MarketOpen    MarketState = "open"
	MarketLocked  MarketState = "locked"
	MarketSettled MarketState = "settled"
)

// Valid reports whether s is one of the known states.
func (s MarketState) Valid() bool {
	switch s {
	case MarketOpen, MarketLocked, MarketSettled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
// Open -> Locked -> Settled; Settled is terminal.
func (s MarketState) CanTransition(next MarketState) bool {
	return (s == MarketOpen && next == MarketLocked) ||
		(s == MarketLocked && next == MarketSettled)
}

// CheckTransition validates a state write from -> to. Writing the same state
// again is allowed so that pool and price updates can be saved; any other
// move must follow CanTransition.
func CheckTransition(from, to MarketState) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrBadTransition, to)
	}
	if from == to || from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
}

// Market is a single "will <asset> be >= target at end time" betting market.
type Market struct {
	ID               uint64
	Asset            string
	TargetPrice      Price
	Creator          Identity
	CreatedAt        time.Time
	EndTime          time.Time
	State            MarketState
	TotalPool        Amount
	ParticipantCount uint64

	// SettlementPrice is recorded once the oracle has answered for a Locked
	// market; later settlement attempts reuse it.
	SettlementPrice *Price
	// OutcomeAbove is nil until the market is Settled.
	OutcomeAbove *bool
	// WinningStake is the sum of stakes whose revealed prediction matched the
	// outcome. Zero after settlement means every participant is refunded.
	WinningStake Amount
	SettledAt    *time.Time
}

// Ended reports whether now is at or past the market's end time.
func (m Market) Ended(now time.Time) bool {
	return !now.Before(m.EndTime)
}

// AcceptsBets reports whether a bet placed at now would be admitted.
func (m Market) AcceptsBets(now time.Time) bool {
	return m.State == MarketOpen && !m.Ended(now)
}

// MarketInfo is the read-only snapshot returned to client collaborators.
type MarketInfo struct {
	Market
	Active  bool
	Settled bool
}

// Info builds the snapshot of m as observed at now.
func (m Market) Info(now time.Time) MarketInfo {
	return MarketInfo{
		Market:  m,
		Active:  m.AcceptsBets(now),
		Settled: m.State == MarketSettled,
	}
}
