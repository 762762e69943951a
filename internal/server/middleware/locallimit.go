package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// LocalLimiter is a per-process domain.RateLimiter for runs without Redis.
// Each key gets a token bucket refilled at limit per window.
type LocalLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*rate.Limiter
	waitLimit  int
	waitWindow time.Duration
}

// NewLocalLimiter creates a LocalLimiter. Wait uses waitLimit per waitWindow.
func NewLocalLimiter(waitLimit int, waitWindow time.Duration) *LocalLimiter {
	if waitLimit <= 0 {
		waitLimit = 10
	}
	if waitWindow <= 0 {
		waitWindow = time.Second
	}
	return &LocalLimiter{
		buckets:    make(map[string]*rate.Limiter),
		waitLimit:  waitLimit,
		waitWindow: waitWindow,
	}
}

func (l *LocalLimiter) bucket(key string, limit int, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether one more request under key fits the budget.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	return l.bucket(key, limit, window).Allow(), nil
}

// Wait blocks until key has budget or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key, l.waitLimit, l.waitWindow).Wait(ctx)
}

var _ domain.RateLimiter = (*LocalLimiter)(nil)
