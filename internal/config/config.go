// Package config provides configuration management for AlertForge.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/alertforge/internal/actions"
	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/api"
	"github.com/lvonguyen/alertforge/internal/api/gateway"
	"github.com/lvonguyen/alertforge/internal/broadcast"
	"github.com/lvonguyen/alertforge/internal/enrichment"
	"github.com/lvonguyen/alertforge/internal/ingestion/splunk"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/pipeline"
	"github.com/lvonguyen/alertforge/internal/scoring"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all AlertForge configuration.
type Config struct {
	Server      api.ServerConfig        `yaml:"server"`
	Auth        api.AuthConfig          `yaml:"auth"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry   observability.Config    `yaml:"telemetry"`
	Redis       RedisConfig             `yaml:"redis"`
	Cache       CacheConfig             `yaml:"cache"`
	Enrichment  EnrichmentConfig        `yaml:"enrichment"`
	Store       StoreConfig             `yaml:"store"`
	Fingerprint pipeline.Config         `yaml:"fingerprint"`
	Scoring     scoring.Config          `yaml:"scoring"`
	Actions     ActionsConfig           `yaml:"actions"`
	Broadcast   BroadcastConfig         `yaml:"broadcast"`
	HEC         splunk.ReceiverConfig   `yaml:"hec"`
}

// RedisConfig holds Redis connection settings. An empty Addr means no Redis:
// the rate limiter runs per instance and the reputation cache must be
// in-process.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from its env var.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// CacheConfig holds reputation cache settings.
type CacheConfig struct {
	Backend    string        `yaml:"backend"` // memory, redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// EnrichmentConfig holds coordinator and reputation provider settings.
type EnrichmentConfig struct {
	enrichment.CoordinatorConfig `yaml:",inline"`
	Providers                    ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig enables individual reputation providers.
type ProvidersConfig struct {
	OTX       OTXConfig                       `yaml:"otx"`
	MISP      MISPConfig                      `yaml:"misp"`
	AbuseIPDB AbuseIPDBConfig                 `yaml:"abuseipdb"`
	HTTP      []enrichment.HTTPProviderConfig `yaml:"http"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	Enabled              bool `yaml:"enabled"`
	enrichment.OTXConfig `yaml:",inline"`
}

// MISPConfig holds MISP settings.
type MISPConfig struct {
	Enabled               bool `yaml:"enabled"`
	enrichment.MISPConfig `yaml:",inline"`
}

// AbuseIPDBConfig holds AbuseIPDB settings.
type AbuseIPDBConfig struct {
	Enabled                    bool `yaml:"enabled"`
	enrichment.AbuseIPDBConfig `yaml:",inline"`
}

// StoreConfig selects the alert store.
type StoreConfig struct {
	Backend  string               `yaml:"backend"` // memory, postgres
	Postgres alert.PostgresConfig `yaml:"postgres"`
}

// ActionsConfig holds dispatcher and sink settings. A sink without a URL is
// not registered.
type ActionsConfig struct {
	actions.Config `yaml:",inline"`
	Webhook        actions.WebhookConfig `yaml:"webhook"`
	Ticket         actions.TicketConfig  `yaml:"ticket"`
	Splunk         SplunkSenderConfig    `yaml:"splunk"`
}

// SplunkSenderConfig forwards alerts to a Splunk HEC endpoint.
type SplunkSenderConfig struct {
	Enabled                bool `yaml:"enabled"`
	actions.HECSenderConfig `yaml:",inline"`
}

// BroadcastConfig holds WebSocket hub and NATS bridge settings. An empty
// NATS URL keeps fan-out local to the instance.
type BroadcastConfig struct {
	broadcast.Config `yaml:",inline"`
	NATS             broadcast.BridgeConfig `yaml:"nats"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyProviderDefaults()
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:    api.DefaultServerConfig(),
		Auth:      api.DefaultAuthConfig(),
		RateLimit: gateway.DefaultRateLimitConfig(),
		Telemetry: observability.Config{
			ServiceName:    "alertforge",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Cache: CacheConfig{
			Backend:    CacheMemory,
			TTL:        time.Hour,
			MaxEntries: 50000,
		},
		Enrichment: EnrichmentConfig{
			CoordinatorConfig: enrichment.DefaultCoordinatorConfig(),
			Providers: ProvidersConfig{
				OTX:       OTXConfig{OTXConfig: enrichment.DefaultOTXConfig()},
				MISP:      MISPConfig{MISPConfig: enrichment.DefaultMISPConfig()},
				AbuseIPDB: AbuseIPDBConfig{AbuseIPDBConfig: enrichment.DefaultAbuseIPDBConfig()},
			},
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Postgres: alert.PostgresConfig{
				DSNEnv:          "ALERTFORGE_POSTGRES_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Fingerprint: pipeline.DefaultConfig(),
		Scoring:     scoring.DefaultConfig(),
		Actions: ActionsConfig{
			Config: actions.DefaultConfig(),
			Ticket: actions.TicketConfig{TokenEnv: "ALERTFORGE_TICKET_TOKEN"},
			Splunk: SplunkSenderConfig{HECSenderConfig: actions.DefaultHECSenderConfig()},
		},
		Broadcast: BroadcastConfig{
			Config: broadcast.DefaultConfig(),
			NATS:   broadcast.DefaultBridgeConfig(),
		},
		HEC: splunk.DefaultReceiverConfig(),
	}
}

// applyProviderDefaults fills zero timeouts on generic HTTP providers, which
// have no per-entry defaults in YAML.
func (c *Config) applyProviderDefaults() {
	d := enrichment.DefaultProviderConfig()
	for i := range c.Enrichment.Providers.HTTP {
		if c.Enrichment.Providers.HTTP[i].Timeout <= 0 {
			c.Enrichment.Providers.HTTP[i].Timeout = d.Timeout
		}
	}
}

// Overlay applies the operational keys that may come from flags or
// ALERTFORGE_* environment variables. Only keys explicitly set in v win
// over the file.
func (c *Config) Overlay(v *viper.Viper) {
	if v.IsSet("server.addr") {
		c.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("telemetry.log_level") {
		c.Telemetry.LogLevel = v.GetString("telemetry.log_level")
	}
	if v.IsSet("telemetry.log_format") {
		c.Telemetry.LogFormat = v.GetString("telemetry.log_format")
	}
	if v.IsSet("telemetry.environment") {
		c.Telemetry.Environment = v.GetString("telemetry.environment")
	}
	if v.IsSet("telemetry.otlp_endpoint") {
		c.Telemetry.OTLPEndpoint = v.GetString("telemetry.otlp_endpoint")
		c.Telemetry.TracingEnabled = c.Telemetry.OTLPEndpoint != ""
	}
	if v.IsSet("store.backend") {
		c.Store.Backend = v.GetString("store.backend")
	}
	if v.IsSet("cache.backend") {
		c.Cache.Backend = v.GetString("cache.backend")
	}
	if v.IsSet("redis.addr") {
		c.Redis.Addr = v.GetString("redis.addr")
	}
	if v.IsSet("broadcast.nats.url") {
		c.Broadcast.NATS.URL = v.GetString("broadcast.nats.url")
	}
	if v.IsSet("enrichment.max_concurrency") {
		c.Enrichment.MaxConcurrency = v.GetInt("enrichment.max_concurrency")
	}
}

// NewViper returns a viper instance reading ALERTFORGE_* variables, with
// dots in keys mapped to underscores (ALERTFORGE_SERVER_ADDR).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ALERTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate checks tunables and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.MaxBodyBytes > 0, "server.max_body_bytes must be positive")

	check(c.Enrichment.MaxConcurrency > 0, "enrichment.max_concurrency must be positive")
	check(c.Enrichment.ProviderTimeout > 0, "enrichment.provider_timeout must be positive")
	check(c.Enrichment.Breaker.FailureThreshold > 0, "enrichment.breaker.failure_threshold must be positive")
	check(c.Enrichment.Breaker.Cooldown > 0, "enrichment.breaker.cooldown must be positive")
	for i, p := range c.Enrichment.Providers.HTTP {
		check(p.BaseURL != "", "enrichment.providers.http[%d].base_url is required", i)
	}

	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.MaxEntries > 0, "cache.max_entries must be positive")
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		check(c.Redis.Addr != "", "cache.backend redis requires redis.addr")
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		check(c.Store.Postgres.DSNEnv != "", "store.postgres.dsn_env is required")
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	check(c.Fingerprint.TimeBucket > 0, "fingerprint.time_bucket must be positive")
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}

	check(c.Actions.MaxAttempts >= 1, "actions.max_attempts must be at least 1")
	check(c.Actions.InitialBackoff > 0, "actions.initial_backoff must be positive")
	check(c.Actions.MaxBackoff >= c.Actions.InitialBackoff, "actions.max_backoff must not be below actions.initial_backoff")
	check(c.Actions.Timeout > 0, "actions.timeout must be positive")
	check(c.Actions.Workers > 0, "actions.workers must be positive")
	check(c.Actions.QueueSize > 0, "actions.queue_size must be positive")
	if c.Actions.Splunk.Enabled {
		check(c.Actions.Splunk.HECURL != "", "actions.splunk.hec_url is required when enabled")
	}

	check(c.Broadcast.QueueSize > 0, "broadcast.queue_size must be positive")
	check(c.Broadcast.PingInterval > 0, "broadcast.ping_interval must be positive")
	check(c.Broadcast.PongWait > c.Broadcast.PingInterval, "broadcast.pong_wait must exceed broadcast.ping_interval")

	if c.RateLimit.Enabled {
		check(c.RateLimit.RequestsPerMinute > 0, "rate_limit.requests_per_minute must be positive")
	}
	if c.HEC.Enabled {
		check(c.HEC.TokenEnv != "", "hec.token_env is required when enabled")
		check(c.HEC.MaxBatchSize > 0, "hec.max_batch_size must be positive")
	}

	switch c.Telemetry.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("telemetry.log_format: unknown format %q", c.Telemetry.LogFormat))
	}

	return errors.Join(errs...)
}

// PostgresConfig returns the store settings with the DSN resolved from its
// env var.
func (c *Config) PostgresConfig() (alert.PostgresConfig, error) {
	pg := c.Store.Postgres
	pg.DSN = os.Getenv(pg.DSNEnv)
	if pg.DSN == "" {
		return pg, fmt.Errorf("postgres DSN not found in env var: %s", pg.DSNEnv)
	}
	return pg, nil
}

// EnabledProviders returns the names of enabled reputation providers.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.Enrichment.Providers.OTX.Enabled {
		providers = append(providers, "otx")
	}
	if c.Enrichment.Providers.MISP.Enabled {
		providers = append(providers, "misp")
	}
	if c.Enrichment.Providers.AbuseIPDB.Enabled {
		providers = append(providers, "abuseipdb")
	}
	for _, p := range c.Enrichment.Providers.HTTP {
		name := p.Name
		if name == "" {
			name = "http"
		}
		providers = append(providers, name)
	}
	return providers
}
