package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Static serves prices from an in-memory table. It backs local runs and
// lets operators pin a price by hand.
type Static struct {
	mu     sync.RWMutex
	prices map[string]domain.Price
}

// NewStatic creates a Static oracle from a symbol -> decimal string table.
func NewStatic(prices map[string]string) (*Static, error) {
	s := &Static{prices: make(map[string]domain.Price, len(prices))}
	for asset, v := range prices {
		p, err := domain.ParsePrice(v)
		if err != nil {
			return nil, fmt.Errorf("oracle: static price for %s: %w", asset, err)
		}
		s.prices[strings.ToUpper(asset)] = p
	}
	return s, nil
}

// Set replaces the price of asset.
func (s *Static) Set(asset string, p domain.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(asset)] = p
}

// GetCurrentPrice returns the configured price of asset.
func (s *Static) GetCurrentPrice(_ context.Context, asset string) (domain.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(asset)]
	if !ok {
		return 0, fmt.Errorf("oracle: static: no price for %s: %w", asset, domain.ErrOracleUnavailable)
	}
	return p, nil
}
