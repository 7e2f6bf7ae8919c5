// Package observability owns the process logger, the Prometheus registry and
// the OpenTelemetry tracer provider.
package observability

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const runtimeSampleInterval = 15 * time.Second

// Config configures telemetry
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console

	// Spans are exported over OTLP/gRPC only when TracingEnabled is set;
	// otherwise the global no-op provider answers.
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"` // 0-1, <=0 means always

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics

	mu       sync.Mutex
	closers  []func(context.Context) error
	shutdown bool
}

// New builds the logger first so that a tracer that cannot start is only a
// warning. Metrics are nil when disabled; every Metrics method accepts a nil
// receiver.
func New(cfg Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	t := &Telemetry{config: cfg, logger: logger}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.closers = append(t.closers, tp.Shutdown)
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return t, nil
}

// NewLogger builds the process logger: JSON in production, colored console
// output for local development. Unknown levels fall back to info.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zc.Level = level

	zc.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}
	return zc.Build()
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, errors.New("otlp endpoint is empty")
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	), nil
}

// sampler honours the parent's decision and samples root spans at rate.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the metrics, or nil when disabled.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// StartSystemMetricsCollector samples goroutine count and heap usage until
// ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(runtimeSampleInterval)
		defer ticker.Stop()
		for {
			t.metrics.sampleRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Metrics) sampleRuntime() {
	if m == nil {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.MemoryUsage.Set(float64(ms.Alloc))
}

// Shutdown flushes spans and the logger. Calls after the first are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true

	var errs []error
	for _, closeFn := range t.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = t.logger.Sync()
	return errors.Join(errs...)
}
