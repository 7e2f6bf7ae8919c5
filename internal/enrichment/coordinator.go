package enrichment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// CoordinatorConfig configures enrichment fan-out.
type CoordinatorConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`  // provider calls in flight per request
	ProviderTimeout time.Duration `yaml:"provider_timeout"` // one deadline covering rate-limit wait and call
	Breaker         BreakerConfig `yaml:"breaker"`
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxConcurrency:  8,
		ProviderTimeout: 5 * time.Second,
		Breaker:         DefaultBreakerConfig(),
	}
}

type guardedProvider struct {
	Provider
	breaker *CircuitBreaker
	limiter *rate.Limiter // nil means unlimited
}

// Coordinator enriches indicators against every registered provider. Each
// provider sits behind its own circuit breaker and outbound rate limiter;
// successful verdicts are cached, failures never are.
type Coordinator struct {
	config    CoordinatorConfig
	cache     Cache
	providers []*guardedProvider
	inflight  singleflight.Group
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewCoordinator creates a coordinator with no providers. A nil cache
// disables caching.
func NewCoordinator(cache Cache, config CoordinatorConfig, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaults.ProviderTimeout
	}
	return &Coordinator{
		config:  config,
		cache:   cache,
		logger:  logger.Named("enrichment"),
		metrics: metrics,
	}
}

// Register adds a provider. requestsPerMinute <= 0 disables outbound rate
// limiting for it. Providers are consulted in registration order.
func (c *Coordinator) Register(p Provider, requestsPerMinute int) {
	gp := &guardedProvider{
		Provider: p,
		breaker:  NewCircuitBreaker(p.Name(), c.config.Breaker),
	}
	if requestsPerMinute > 0 {
		burst := requestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		gp.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), burst)
	}

	gp.breaker.OnStateChange(func(name string, from, to CircuitState) {
		c.metrics.SetBreakerState(name, int(to))
		c.logger.Warn("Provider circuit changed state",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	c.metrics.SetBreakerState(p.Name(), int(CircuitClosed))

	c.providers = append(c.providers, gp)
}

// Providers returns the registered provider names in order.
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, gp := range c.providers {
		names = append(names, gp.Name())
	}
	return names
}

// Breakers returns a snapshot of every provider's circuit breaker.
func (c *Coordinator) Breakers() []BreakerStats {
	stats := make([]BreakerStats, 0, len(c.providers))
	for _, gp := range c.providers {
		stats = append(stats, gp.breaker.Stats())
	}
	return stats
}

type outcome struct {
	verdict Verdict
	cached  bool
	err     error
}

func (o *outcome) skipped() bool {
	return o == nil || errors.Is(o.err, ErrUnsupportedIOC)
}

// Enrich looks up every indicator against every provider that supports its
// type. It never fails: provider errors, timeouts and open circuits are
// absorbed, and an indicator no provider could answer for comes back
// unknown with zero confidence.
func (c *Coordinator) Enrich(ctx context.Context, iocs []telemetry.IOC) map[telemetry.IOC]Result {
	results := make(map[telemetry.IOC]Result, len(iocs))
	if len(iocs) == 0 {
		return results
	}

	outcomes := make(map[telemetry.IOC][]*outcome, len(iocs))
	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrency)

	for _, ioc := range iocs {
		if _, seen := outcomes[ioc]; seen {
			continue
		}
		slots := make([]*outcome, len(c.providers))
		outcomes[ioc] = slots

		for i, gp := range c.providers {
			if !gp.Supports(ioc.Type) {
				continue
			}
			out := &outcome{}
			slots[i] = out
			ioc, gp := ioc, gp
			g.Go(func() error {
				out.verdict, out.cached, out.err = c.lookup(ctx, gp, ioc)
				return nil
			})
		}
	}

	// Lookups report through their outcome slots and never return errors.
	_ = g.Wait()

	for ioc, slots := range outcomes {
		results[ioc] = aggregate(slots)
	}
	return results
}

// lookup resolves one provider's verdict, from cache when fresh. Concurrent
// lookups of the same key share a single outbound call. The shared call is
// detached from any one caller, so a caller that goes away only abandons its
// own wait.
func (c *Coordinator) lookup(ctx context.Context, gp *guardedProvider, ioc telemetry.IOC) (Verdict, bool, error) {
	key := CacheKey(gp.Name(), ioc)

	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, key); ok && !v.Stale {
			c.metrics.CacheHit(gp.Name())
			return v, true, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		return c.call(shared, gp, ioc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Verdict{}, false, res.Err
		}
		return res.Val.(Verdict), false, nil
	case <-ctx.Done():
		return Verdict{}, false, ctx.Err()
	}
}

func (c *Coordinator) call(ctx context.Context, gp *guardedProvider, ioc telemetry.IOC) (Verdict, error) {
	name := gp.Name()

	ticket, ok := gp.breaker.Allow()
	if !ok {
		c.metrics.ObserveEnrichment(name, "circuit_open", 0)
		return Verdict{}, ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.ProviderTimeout)
	defer cancel()

	if gp.limiter != nil {
		if err := gp.limiter.Wait(callCtx); err != nil {
			gp.breaker.Release(ticket)
			c.metrics.ObserveEnrichment(name, "rate_limited", 0)
			return Verdict{}, err
		}
	}

	start := time.Now()
	v, err := gp.Lookup(callCtx, ioc)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, ErrUnsupportedIOC) {
			gp.breaker.Release(ticket)
			c.metrics.ObserveEnrichment(name, "unsupported", 0)
			return Verdict{}, err
		}
		gp.breaker.RecordFailure(ticket)
		c.metrics.ObserveEnrichment(name, "failure", elapsed)
		c.logger.Warn("Provider lookup failed",
			zap.String("provider", name),
			zap.String("ioc_type", string(ioc.Type)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return Verdict{}, err
	}

	gp.breaker.RecordSuccess(ticket)
	c.metrics.ObserveEnrichment(name, "success", elapsed)

	v.Provider = name
	v.Stale = false
	if v.FetchedAt.IsZero() {
		v.FetchedAt = time.Now().UTC()
	}
	if c.cache != nil {
		c.cache.Set(ctx, CacheKey(name, ioc), v)
	}
	return v, nil
}

// aggregate folds per-provider outcomes into one result. The most severe
// reputation wins; confidence is the highest among verdicts carrying it.
func aggregate(slots []*outcome) Result {
	var (
		verdicts  []Verdict
		attempted int
		failed    int
		allCached = true
	)
	for _, out := range slots {
		if out.skipped() {
			continue
		}
		attempted++
		if out.err != nil {
			failed++
			continue
		}
		verdicts = append(verdicts, out.verdict)
		allCached = allCached && out.cached
	}

	if attempted == 0 {
		return Result{Reputation: ReputationUnknown}
	}
	if len(verdicts) == 0 {
		return Unknown()
	}

	res := Result{
		Reputation: ReputationUnknown,
		Verdicts:   verdicts,
		Partial:    failed > 0,
		Cached:     allCached,
	}
	for _, v := range verdicts {
		switch {
		case v.Reputation.rank() > res.Reputation.rank():
			res.Reputation = v.Reputation
			res.Confidence = v.Confidence
		case v.Reputation == res.Reputation && v.Confidence > res.Confidence:
			res.Confidence = v.Confidence
		}
	}
	if res.Reputation == ReputationUnknown {
		res.Confidence = 0
	}
	return res
}
