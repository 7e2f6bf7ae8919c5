// Package api exposes the HTTP surface: webhook ingest, the Splunk HEC
// receiver, alert queries and status changes, the WebSocket feed and the
// health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/api/gateway"
	"github.com/lvonguyen/alertforge/internal/enrichment"
	"github.com/lvonguyen/alertforge/internal/ingestion/splunk"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/pipeline"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Processor runs one raw event through the pipeline.
type Processor interface {
	Process(ctx context.Context, raw *telemetry.RawEvent) (pipeline.Outcome, error)
}

// ProviderRegistry reports configured reputation providers and their
// breaker state.
type ProviderRegistry interface {
	Providers() []string
	Breakers() []enrichment.BreakerStats
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// Deps are the server's collaborators. HEC, Hub, Limiter, Providers and
// Metrics are optional.
type Deps struct {
	Processor  Processor
	Store      alert.Store
	Authorizer Authorizer
	Providers  ProviderRegistry
	HEC        *splunk.HECReceiver
	Hub        http.Handler
	Limiter    *gateway.RateLimiter
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Version    string
}

// Server is the AlertForge HTTP API.
type Server struct {
	config ServerConfig
	deps   Deps
	logger *zap.Logger
	router chi.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	if deps.Processor == nil || deps.Store == nil {
		return nil, errors.New("api: processor and store are required")
	}
	if deps.Authorizer == nil {
		return nil, errors.New("api: authorizer is required")
	}
	d := DefaultServerConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = d.MaxBodyBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = d.RequestTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = d.ShutdownTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger.Named("api"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger, s.deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// The WebSocket feed outlives the request timeout.
	if s.deps.Hub != nil {
		r.With(authMiddleware(s.deps.Authorizer)).Get("/ws", s.deps.Hub.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.config.RequestTimeout))
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware(nil))
		}
		r.Use(decompress(s.config.MaxBodyBytes))

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(authMiddleware(s.deps.Authorizer))

			r.Post("/webhooks/events", s.handleWebhook)
			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alerts/{fingerprint}", s.handleGetAlert)
			r.Patch("/alerts/{fingerprint}/status", s.handleUpdateStatus)
			r.Get("/providers", s.handleProviders)
		})

		// HEC clients authenticate with their own Splunk token.
		if s.deps.HEC != nil {
			r.Mount("/services/collector", s.deps.HEC.Routes())
		}
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", s.config.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
