package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX, so a key is claimed
// at most once across every process sharing the Redis instance until its
// TTL runs out.
type NonceStore struct {
	c *Client
}

// NewNonceStore creates a NonceStore.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c}
}

func (n *NonceStore) key(k string) string {
	return n.c.Key("nonce:" + k)
}

// Claim sets key with ttl unless it already exists.
func (n *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := n.c.rdb.SetNX(ctx, n.key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
