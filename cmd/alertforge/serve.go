package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/actions"
	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/api"
	"github.com/lvonguyen/alertforge/internal/api/gateway"
	"github.com/lvonguyen/alertforge/internal/broadcast"
	"github.com/lvonguyen/alertforge/internal/config"
	"github.com/lvonguyen/alertforge/internal/enrichment"
	"github.com/lvonguyen/alertforge/internal/ingestion/splunk"
	"github.com/lvonguyen/alertforge/internal/mitre"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/pipeline"
	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AlertForge server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "HTTP listen address")
	flags.String("store", "", "alert store backend: memory, postgres")
	flags.String("redis-addr", "", "Redis address for the shared cache and rate limits")
	flags.String("nats-url", "", "NATS URL for cross-instance broadcast")

	_ = overrides.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = overrides.BindPFlag("store.backend", flags.Lookup("store"))
	_ = overrides.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = overrides.BindPFlag("broadcast.nats.url", flags.Lookup("nats-url"))

	return cmd
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	cfg.Telemetry.ServiceVersion = Version
	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger()
	metrics := tel.Metrics()
	tel.StartSystemMetricsCollector(ctx)

	logger.Info("Starting AlertForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("store", cfg.Store.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.Strings("providers", cfg.EnabledProviders()),
	)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = newRedisClient(ctx, cfg.Redis, logger)
		defer rdb.Close()
	}

	cache, err := newReputationCache(cfg, rdb, logger)
	if err != nil {
		return err
	}
	coordinator := enrichment.NewCoordinator(cache, cfg.Enrichment.CoordinatorConfig, logger, metrics)
	if err := registerProviders(coordinator, cfg.Enrichment.Providers); err != nil {
		return err
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := broadcast.NewHub(cfg.Broadcast.Config, logger, metrics)
	defer hub.Close()
	if cfg.Broadcast.NATS.URL != "" {
		closeBridge, err := startBridge(cfg.Broadcast.NATS, hub, logger)
		if err != nil {
			return err
		}
		defer closeBridge()
	}

	sinks, err := newSinks(cfg.Actions)
	if err != nil {
		return err
	}
	dispatcher := actions.NewDispatcher(cfg.Actions.Config, store, hub, logger, metrics, sinks...)
	dispatcher.Start()

	normalizer, err := normalization.NewNormalizer(logger)
	if err != nil {
		return fmt.Errorf("failed to create normalizer: %w", err)
	}
	scorer, err := scoring.NewEngine(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("failed to create scoring engine: %w", err)
	}
	p, err := pipeline.New(cfg.Fingerprint, pipeline.Deps{
		Normalizer: normalizer,
		Enricher:   coordinator,
		Scorer:     scorer,
		Store:      store,
		Dispatcher: dispatcher,
		Publisher:  hub,
		Attack:     mitre.NewAttackFramework(logger),
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tel.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	var hec *splunk.HECReceiver
	if cfg.HEC.Enabled {
		hec = splunk.NewHECReceiver(cfg.HEC, api.HECHandler(p), logger)
	}
	limiter, err := gateway.NewRateLimiter(rdb, cfg.RateLimit, logger)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	server, err := api.NewServer(cfg.Server, api.Deps{
		Processor:  p,
		Store:      store,
		Authorizer: api.NewTokenAuthorizer(cfg.Auth),
		Providers:  coordinator,
		HEC:        hec,
		Hub:        hub,
		Limiter:    limiter,
		Metrics:    metrics,
		Logger:     logger,
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serveErr := server.ListenAndServe(ctx)

	// Queued actions still need the store and the hub.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("Action queue not fully drained", zap.Error(err))
	}

	logger.Info("AlertForge stopped")
	return serveErr
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password(),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Callers degrade to local state while Redis is away.
		logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return client
}

func newReputationCache(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (enrichment.Cache, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		if rdb == nil {
			return nil, fmt.Errorf("redis cache requires redis.addr")
		}
		return enrichment.NewRedisCache(rdb, cfg.Cache.TTL, logger), nil
	}
	cache, err := enrichment.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation cache: %w", err)
	}
	return cache, nil
}

// registerProviders fails on any enabled provider that cannot start, most
// often a missing API key.
func registerProviders(c *enrichment.Coordinator, cfg config.ProvidersConfig) error {
	if cfg.OTX.Enabled {
		p, err := enrichment.NewOTXProvider(cfg.OTX.OTXConfig)
		if err != nil {
			return fmt.Errorf("otx: %w", err)
		}
		c.Register(p, cfg.OTX.RateLimit)
	}
	if cfg.MISP.Enabled {
		p, err := enrichment.NewMISPProvider(cfg.MISP.MISPConfig)
		if err != nil {
			return fmt.Errorf("misp: %w", err)
		}
		c.Register(p, cfg.MISP.RateLimit)
	}
	if cfg.AbuseIPDB.Enabled {
		p, err := enrichment.NewAbuseIPDBProvider(cfg.AbuseIPDB.AbuseIPDBConfig)
		if err != nil {
			return fmt.Errorf("abuseipdb: %w", err)
		}
		c.Register(p, cfg.AbuseIPDB.RateLimit)
	}
	for _, hc := range cfg.HTTP {
		p, err := enrichment.NewHTTPProvider(hc)
		if err != nil {
			return fmt.Errorf("http provider %q: %w", hc.Name, err)
		}
		c.Register(p, hc.RateLimit)
	}
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (alert.Store, error) {
	if cfg.Store.Backend != config.StorePostgres {
		return alert.NewMemoryStore(), nil
	}
	pg, err := cfg.PostgresConfig()
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := alert.NewPostgresStore(connectCtx, pg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}
	return store, nil
}

func startBridge(cfg broadcast.BridgeConfig, hub *broadcast.Hub, logger *zap.Logger) (func(), error) {
	log := logger.Named("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("alertforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bridge, err := broadcast.NewNATSBridge(nc, hub, cfg.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return func() {
		if err := bridge.Close(); err != nil {
			log.Warn("Failed to close broadcast bridge", zap.Error(err))
		}
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}, nil
}

func newSinks(cfg config.ActionsConfig) ([]actions.Sink, error) {
	var sinks []actions.Sink
	if cfg.Webhook.URL != "" {
		s, err := actions.NewWebhookNotifier(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Ticket.URL != "" {
		s, err := actions.NewTicketCreator(cfg.Ticket)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Splunk.Enabled {
		s, err := actions.NewHECSender(cfg.Splunk.HECSenderConfig)
		if err != nil {
			return nil, fmt.Errorf("splunk sender: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
