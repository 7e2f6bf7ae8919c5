// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client with a Redis fixed window shared by
// every instance. When Redis is not configured or fails, an in-process token
// bucket per client takes over.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
	local  *lru.Cache[string, *rate.Limiter]
	now    func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled           bool                      `yaml:"enabled"`
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	BurstSize         int                       `yaml:"burst_size"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
	LocalClients      int                       `yaml:"local_clients"`
}

// EndpointLimits overrides the default limit for one route, keyed
// "METHOD:/path".
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	CostMultiplier    int `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Source     string // redis or local
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		BurstSize:         50,
		Endpoints:         DefaultEndpointLimits(),
		IncludeHeaders:    true,
		LocalClients:      10000,
	}
}

// DefaultEndpointLimits returns the per-route overrides for the ingest and
// operator endpoints.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/webhooks/events":   {RequestsPerMinute: 1200},
		"POST:/services/collector/event": {RequestsPerMinute: 1200},
		"POST:/services/collector/raw":   {RequestsPerMinute: 1200},
		"GET:/api/v1/alerts":             {RequestsPerMinute: 300, CostMultiplier: 2},
	}
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) (*RateLimiter, error) {
	d := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = d.BurstSize
	}
	if cfg.LocalClients <= 0 {
		cfg.LocalClients = d.LocalClients
	}

	local, err := lru.New[string, *rate.Limiter](cfg.LocalClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create local limiter cache: %w", err)
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger.Named("ratelimit"),
		config: cfg,
		local:  local,
		now:    time.Now,
	}, nil
}

// windowScript increments the per-minute counter and returns it with the
// window's remaining lifetime in milliseconds.
var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.effectiveLimit(endpoint, method)

	if rl.redis != nil {
		res, err := rl.checkRedis(ctx, clientID, endpoint, limit)
		if err == nil {
			return res
		}
		rl.logger.Warn("Rate limit check failed, using local limiter", zap.Error(err))
	}
	return rl.checkLocal(clientID, endpoint, limit)
}

func (rl *RateLimiter) checkRedis(ctx context.Context, clientID, endpoint string, limit int) (*RateLimitResult, error) {
	key := fmt.Sprintf("alertforge:ratelimit:%s:%s:minute", clientID, endpoint)

	vals, err := windowScript.Run(ctx, rl.redis, []string{key}, 60000).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}
	current, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}

	res := &RateLimitResult{
		Allowed:   current <= limit,
		Remaining: max(limit-current, 0),
		Limit:     limit,
		ResetAt:   rl.now().Add(ttl),
		Source:    "redis",
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

func (rl *RateLimiter) checkLocal(clientID, endpoint string, limit int) *RateLimitResult {
	key := clientID + "|" + endpoint
	lim, ok := rl.local.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/60), rl.config.BurstSize)
		rl.local.Add(key, lim)
	}

	now := rl.now()
	res := &RateLimitResult{Limit: limit, Source: "local"}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		res.RetryAfter = time.Minute
		res.ResetAt = now.Add(res.RetryAfter)
		return res
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		res.ResetAt = now.Add(delay)
		return res
	}
	res.Allowed = true
	res.Remaining = int(lim.TokensAt(now))
	res.ResetAt = now
	return res
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		if ep.RequestsPerMinute > 0 {
			limit = ep.RequestsPerMinute
		}
		if ep.CostMultiplier > 1 {
			limit /= ep.CostMultiplier
		}
	}
	return max(limit, 1)
}

// Middleware returns an HTTP middleware for rate limiting. getClientID may
// return "" to fall back to the remote address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = clientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     "Rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the host part of RemoteAddr. chi's RealIP middleware has
// already applied X-Forwarded-For / X-Real-IP when it is installed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
