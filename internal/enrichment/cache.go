package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Cache stores provider verdicts keyed by provider and indicator. Only
// successful lookups are ever stored.
type Cache interface {
	// Get returns the cached verdict. A found verdict past its TTL is
	// returned with Stale set.
	Get(ctx context.Context, key string) (Verdict, bool)
	Set(ctx context.Context, key string, v Verdict)
}

// CacheKey builds the cache key for one provider's verdict on one indicator.
func CacheKey(provider string, ioc telemetry.IOC) string {
	return fmt.Sprintf("%s:%s:%s", provider, ioc.Type, strings.ToLower(ioc.Value))
}

type memoryEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// MemoryCache is a bounded in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an LRU cache holding at most size verdicts for ttl.
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	if size <= 0 {
		size = 10000
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &MemoryCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Get returns the verdict for key. Expiry is evaluated under the same lock
// as the read, so a verdict is never served fresh after its deadline.
// Expired entries are evicted and reported once as stale.
func (c *MemoryCache) Get(_ context.Context, key string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		return Verdict{}, false
	}
	v := entry.verdict
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		v.Stale = true
	}
	return v, true
}

// Set stores v until the cache TTL elapses.
func (c *MemoryCache) Set(_ context.Context, key string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v.Stale = false
	c.entries.Add(key, memoryEntry{verdict: v, expiresAt: c.now().Add(c.ttl)})
}

// Len returns the number of cached entries, including expired ones not yet
// evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// RedisCache shares verdicts between instances. Redis errors degrade to
// cache misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisCache creates a Redis-backed verdict cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "alertforge:reputation:",
		ttl:    ttl,
		logger: logger.Named("reputation-cache"),
		now:    time.Now,
	}
}

// Get reads a verdict from Redis. Keys expire server-side; Stale is only
// set when the stored fetch time says the entry outlived its TTL.
func (c *RedisCache) Get(ctx context.Context, key string) (Verdict, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Reputation cache read failed", zap.String("key", key), zap.Error(err))
		}
		return Verdict{}, false
	}

	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("Discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return Verdict{}, false
	}
	v.Stale = !c.now().Before(v.FetchedAt.Add(c.ttl))
	return v, true
}

// Set writes a verdict with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, v Verdict) {
	v.Stale = false
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Reputation cache write failed", zap.String("key", key), zap.Error(err))
	}
}
