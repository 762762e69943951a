package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per asset at
// "price:{ASSET}" holding the fixed-point price and a unix-nano timestamp.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl; zero keeps
// them forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) key(asset string) string {
	return pc.c.Key("price:" + strings.ToUpper(asset))
}

// SetPrice stores the latest observed price of asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price domain.Price, ts time.Time) error {
	key := pc.key(asset)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatInt(int64(price), 10),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice returns the cached price of asset or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (domain.Price, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(asset)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	p, ts, err := parsePriceHash(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	return p, ts, nil
}

// GetPrices fetches several assets in one pipeline. Missing assets are
// omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, assets []string) (map[string]domain.Price, error) {
	if len(assets) == 0 {
		return map[string]domain.Price{}, nil
	}
	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, pc.key(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]domain.Price, len(assets))
	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if p, _, err := parsePriceHash(vals); err == nil {
			out[a] = p
		}
	}
	return out, nil
}

func parsePriceHash(vals map[string]string) (domain.Price, time.Time, error) {
	ps, ok1 := vals["price"]
	ts, ok2 := vals["ts"]
	if !ok1 || !ok2 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	p, err := strconv.ParseInt(ps, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price %q: %w", ps, err)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	return domain.Price(p), time.Unix(0, n).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
