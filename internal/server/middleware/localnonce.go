package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// LocalNonceStore is a per-process domain.NonceStore for runs without Redis.
type LocalNonceStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time // key -> expiry
	now       func() time.Time
	lastPrune time.Time
}

// NewLocalNonceStore creates an empty LocalNonceStore.
func NewLocalNonceStore() *LocalNonceStore {
	return &LocalNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// Claim records key until ttl elapses. Expired keys are dropped at most once
// per second.
func (s *LocalNonceStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastPrune) >= time.Second {
		for k, exp := range s.seen {
			if !now.Before(exp) {
				delete(s.seen, k)
			}
		}
		s.lastPrune = now
	}
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

var _ domain.NonceStore = (*LocalNonceStore)(nil)
