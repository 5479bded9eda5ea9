package gather

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/whale-analyst/pkg/explorer"
)

func countingSource(calls *atomic.Int32) addressFunc {
	return func(_ context.Context, chain, address string) (*explorer.AddressHistory, error) {
		calls.Add(1)
		return &explorer.AddressHistory{Address: address, Chain: chain, TxCount: 77}, nil
	}
}

func TestCachedAddressSource_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close() //nolint:errcheck

	var calls atomic.Int32
	src := NewCachedAddressSource(countingSource(&calls), rdb, time.Minute)

	h, err := src.AddressHistory(context.Background(), "ethereum", sender)
	require.NoError(t, err)
	assert.Equal(t, 77, h.TxCount)
	assert.Equal(t, int32(1), calls.Load())
}

// hangingListener accepts connections and never answers.
func hangingListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestCachedAddressSource_SlowRedisLeavesLookupTime(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  hangingListener(t),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close() //nolint:errcheck

	var remaining time.Duration
	src := NewCachedAddressSource(addressFunc(func(ctx context.Context, chain, address string) (*explorer.AddressHistory, error) {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(dl)
		return &explorer.AddressHistory{Address: address, Chain: chain, TxCount: 5}, nil
	}), rdb, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	h, err := src.AddressHistory(ctx, "ethereum", sender)
	require.NoError(t, err)
	assert.Equal(t, 5, h.TxCount)
	assert.Greater(t, remaining, time.Second, "cache read must not eat the lookup deadline")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCacheContext(t *testing.T) {
	ctx, cancel, ok := cacheContext(context.Background())
	defer cancel()
	require.True(t, ok)
	dl, _ := ctx.Deadline()
	assert.InDelta(t, float64(maxCacheWait), float64(time.Until(dl)), float64(50*time.Millisecond))

	parent, pcancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer pcancel()
	ctx, cancel, ok = cacheContext(parent)
	defer cancel()
	require.True(t, ok)
	dl, _ = ctx.Deadline()
	assert.LessOrEqual(t, time.Until(dl), 100*time.Millisecond)

	expired, ecancel := context.WithTimeout(context.Background(), -time.Second)
	defer ecancel()
	_, _, ok = cacheContext(expired)
	assert.False(t, ok)
}

func TestCachedAddressSource_PropagatesSourceError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close() //nolint:errcheck

	failing := addressFunc(func(context.Context, string, string) (*explorer.AddressHistory, error) {
		return nil, errors.New("boom")
	})
	_, err := NewCachedAddressSource(failing, rdb, 0).AddressHistory(context.Background(), "ethereum", sender)
	assert.EqualError(t, err, "boom")
}

func TestCachedAddressSource_Redis(t *testing.T) {
	addr := os.Getenv("WHALE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WHALE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close() //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	key := cacheKeyPrefix + "ethereum:" + recipient
	require.NoError(t, rdb.Del(ctx, key).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), key) })

	var calls atomic.Int32
	src := NewCachedAddressSource(countingSource(&calls), rdb, time.Minute)

	first, err := src.AddressHistory(ctx, "ethereum", recipient)
	require.NoError(t, err)
	second, err := src.AddressHistory(ctx, "Ethereum", recipient)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.TxCount, second.TxCount)

	ttl := rdb.TTL(ctx, key).Val()
	assert.True(t, ttl > 0 && ttl <= time.Minute)
}
