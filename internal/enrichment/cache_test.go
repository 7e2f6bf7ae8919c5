package enrichment

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

func TestCacheKey(t *testing.T) {
	key := CacheKey("otx", telemetry.IOC{Type: telemetry.IOCTypeDomain, Value: "Evil.Example.COM"})
	assert.Equal(t, "otx:domain:evil.example.com", key)
}

func TestMemoryCache_FreshWithinTTL(t *testing.T) {
	cache, err := NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	clock := newFakeClock()
	cache.now = clock.Now

	ctx := context.Background()
	cache.Set(ctx, "k", Verdict{Provider: "otx", Reputation: ReputationMalicious, Confidence: 0.9})

	clock.Advance(59 * time.Second)
	v, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.False(t, v.Stale)
	assert.Equal(t, ReputationMalicious, v.Reputation)
}

func TestMemoryCache_ExpiredIsStaleThenGone(t *testing.T) {
	cache, err := NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	clock := newFakeClock()
	cache.now = clock.Now

	ctx := context.Background()
	cache.Set(ctx, "k", Verdict{Reputation: ReputationBenign})

	clock.Advance(time.Minute)
	v, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, v.Stale, "entry at its deadline must not be served fresh")

	_, ok = cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCache_SetClearsStale(t *testing.T) {
	cache, err := NewMemoryCache(10, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	cache.Set(ctx, "k", Verdict{Stale: true})
	v, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.False(t, v.Stale)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := NewMemoryCache(2, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	cache.Set(ctx, "a", Verdict{})
	cache.Set(ctx, "b", Verdict{})
	_, _ = cache.Get(ctx, "a")
	cache.Set(ctx, "c", Verdict{})

	_, ok := cache.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "a")
	assert.True(t, ok)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("ALERTFORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ALERTFORGE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	cache := NewRedisCache(client, time.Minute, zaptest.NewLogger(t))
	key := "test:" + t.Name()
	defer client.Del(ctx, cache.prefix+key)

	_, ok := cache.Get(ctx, key)
	require.False(t, ok)

	cache.Set(ctx, key, Verdict{Provider: "otx", Reputation: ReputationSuspicious, Confidence: 0.6, FetchedAt: time.Now().UTC()})
	v, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, ReputationSuspicious, v.Reputation)
	assert.False(t, v.Stale)

	ttl, err := client.TTL(ctx, cache.prefix+key).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)
}

func TestRedisCache_UnreachableIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	cache := NewRedisCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	cache.Set(ctx, "k", Verdict{Reputation: ReputationMalicious})
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)
}
