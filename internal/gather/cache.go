package gather

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/pkg/explorer"
)

const cacheKeyPrefix = "whale:addr:"

// maxCacheWait caps one cache round trip. A slow or unreachable Redis costs
// at most this, or a quarter of the lookup's remaining time if less.
const maxCacheWait = 200 * time.Millisecond

// CachedAddressSource serves address history from Redis when present and
// stores fresh lookups with a TTL. Cache errors fall through to the
// underlying source.
type CachedAddressSource struct {
	next AddressSource
	rdb  redis.UniversalClient
	ttl  time.Duration
}

// NewCachedAddressSource wraps next with a Redis cache.
func NewCachedAddressSource(next AddressSource, rdb redis.UniversalClient, ttl time.Duration) *CachedAddressSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedAddressSource{next: next, rdb: rdb, ttl: ttl}
}

// AddressHistory implements AddressSource.
func (c *CachedAddressSource) AddressHistory(ctx context.Context, chain, address string) (*explorer.AddressHistory, error) {
	key := cacheKeyPrefix + strings.ToLower(chain) + ":" + strings.ToLower(address)

	raw, err := c.get(ctx, key)
	switch {
	case err == nil:
		var h explorer.AddressHistory
		if jerr := json.Unmarshal(raw, &h); jerr == nil {
			return &h, nil
		}
		zap.L().Warn("gather: discarding corrupt cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		zap.L().Warn("gather: cache get failed", zap.String("key", key), zap.Error(err))
	}

	h, err := c.next.AddressHistory(ctx, chain, address)
	if err != nil {
		return nil, err
	}

	if data, jerr := json.Marshal(h); jerr == nil {
		if serr := c.set(ctx, key, data); serr != nil {
			zap.L().Warn("gather: cache set failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return h, nil
}

func (c *CachedAddressSource) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel, ok := cacheContext(ctx)
	if !ok {
		return nil, context.DeadlineExceeded
	}
	defer cancel()
	return c.rdb.Get(ctx, key).Bytes()
}

func (c *CachedAddressSource) set(ctx context.Context, key string, data []byte) error {
	ctx, cancel, ok := cacheContext(ctx)
	if !ok {
		return context.DeadlineExceeded
	}
	defer cancel()
	return c.rdb.Set(ctx, key, data, c.ttl).Err()
}

// cacheContext bounds a cache call to min(maxCacheWait, remaining/4). It
// reports false when no time is left.
func cacheContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	wait := maxCacheWait
	if dl, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(dl)/4)
	}
	if wait <= 0 {
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	return ctx, cancel, true
}
