package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertforge"

// Metrics holds Prometheus metrics for AlertForge. All recording methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	EventsIngested   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec

	// Enrichment metrics
	EnrichmentDuration *prometheus.HistogramVec
	EnrichmentRequests *prometheus.CounterVec
	EnrichmentCacheHit *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec

	// Alert and action metrics
	AlertsUpserted *prometheus.CounterVec
	ActionsTotal   *prometheus.CounterVec
	ActionAttempts *prometheus.HistogramVec

	// Broadcast metrics
	BroadcastMessages *prometheus.CounterVec
	BroadcastDropped  *prometheus.CounterVec
	WebSocketClients  prometheus.Gauge

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers AlertForge metrics on reg. Passing a fresh registry
// per process (or per test) avoids duplicate registration panics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total webhook events by detected vendor and outcome",
			},
			[]string{"vendor", "result"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"stage"},
		),
		EnrichmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enrichment_duration_seconds",
				Help:      "Enrichment duration by provider",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"provider"},
		),
		EnrichmentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_requests_total",
				Help:      "Total enrichment lookups by provider and status",
			},
			[]string{"provider", "status"},
		),
		EnrichmentCacheHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_cache_hits_total",
				Help:      "Enrichment cache hits",
			},
			[]string{"provider"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_circuit_state",
				Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		AlertsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_upserted_total",
				Help:      "Alerts written to the store by category and whether they were new",
			},
			[]string{"category", "new"},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Action sink executions by kind, sink and status",
			},
			[]string{"kind", "sink", "status"},
		),
		ActionAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_attempts",
				Help:      "Attempts needed per action sink execution",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"sink"},
		),
		BroadcastMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_messages_total",
				Help:      "Messages enqueued to real-time subscribers by channel",
			},
			[]string{"channel"},
		),
		BroadcastDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_dropped_total",
				Help:      "Messages dropped from full subscriber queues by channel",
			},
			[]string{"channel"},
		),
		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Currently connected real-time observers",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveEvent(vendor, result string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveEnrichment(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(provider, status).Inc()
	if d > 0 {
		m.EnrichmentDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (m *Metrics) CacheHit(provider string) {
	if m == nil {
		return
	}
	m.EnrichmentCacheHit.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) ObserveAlert(category string, isNew bool) {
	if m == nil {
		return
	}
	m.AlertsUpserted.WithLabelValues(category, strconv.FormatBool(isNew)).Inc()
}

func (m *Metrics) ObserveAction(kind, sink string, success bool, attempts int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.ActionsTotal.WithLabelValues(kind, sink, status).Inc()
	m.ActionAttempts.WithLabelValues(sink).Observe(float64(attempts))
}

func (m *Metrics) ObserveBroadcast(channel string, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.BroadcastMessages.WithLabelValues(channel).Add(float64(delivered))
	}
	if dropped > 0 {
		m.BroadcastDropped.WithLabelValues(channel).Add(float64(dropped))
	}
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(n))
}

func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
