package domain

import (
	"errors"
	"testing"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to MarketState
		ok       bool
	}{
		{MarketOpen, MarketOpen, true},
		{MarketOpen, MarketLocked, true},
		{MarketLocked, MarketLocked, true},
		{MarketLocked, MarketSettled, true},
		{MarketSettled, MarketSettled, true},
		{MarketOpen, MarketSettled, false},
		{MarketLocked, MarketOpen, false},
		{MarketSettled, MarketOpen, false},
		{MarketSettled, MarketLocked, false},
		{MarketOpen, MarketState("paused"), false},
		{MarketOpen, MarketState(""), false},
	}
	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("CheckTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
		}
		if !tt.ok {
			if !errors.Is(err, ErrBadTransition) {
				t.Errorf("CheckTransition(%s, %s) = %v, want ErrBadTransition", tt.from, tt.to, err)
			}
			if Kind(err) != ErrState {
				t.Errorf("CheckTransition(%s, %s) kind = %v, want ErrState", tt.from, tt.to, Kind(err))
			}
		}
	}
}

func TestMarketStateValid(t *testing.T) {
	for _, s := range []MarketState{MarketOpen, MarketLocked, MarketSettled} {
		if !s.Valid() {
			t.Errorf("%q.Valid() = false", s)
		}
	}
	if MarketState("closed").Valid() {
		t.Error(`"closed".Valid() = true`)
	}
}
