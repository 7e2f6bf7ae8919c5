// Package pipeline runs a raw event through normalization, IOC extraction,
// enrichment, scoring and persistence, then hands qualifying alerts to the
// action dispatcher and announces them to real-time observers.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/actions"
	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/enrichment"
	"github.com/lvonguyen/alertforge/internal/mitre"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/extraction"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

// Broadcast message types on the alerts channel.
const (
	ChannelAlerts    = "alerts"
	TypeAlertCreated = "alert.created"
	TypeAlertUpdated = "alert.updated"
)

// Enricher looks up reputation for a set of indicators.
type Enricher interface {
	Enrich(ctx context.Context, iocs []telemetry.IOC) map[telemetry.IOC]enrichment.Result
}

// Submitter queues an alert for side effects.
type Submitter interface {
	Submit(ctx context.Context, a alert.Alert) error
}

// Config holds pipeline tunables.
type Config struct {
	TimeBucket time.Duration `yaml:"time_bucket"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TimeBucket: alert.DefaultTimeBucket}
}

// Deps are the collaborators of a Pipeline. Dispatcher, Publisher, Attack,
// Metrics and Tracer are optional.
type Deps struct {
	Normalizer *normalization.Normalizer
	Enricher   Enricher
	Scorer     *scoring.Engine
	Store      alert.Store
	Dispatcher Submitter
	Publisher  actions.Publisher
	Attack     *mitre.AttackFramework
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

// Pipeline processes raw events into alerts.
type Pipeline struct {
	config Config
	Deps
	now func() time.Time
}

// New validates deps and builds a pipeline.
func New(config Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Enricher == nil:
		return nil, errors.New("pipeline: enricher is required")
	case deps.Scorer == nil:
		return nil, errors.New("pipeline: scoring engine is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: alert store is required")
	}
	if config.TimeBucket <= 0 {
		config.TimeBucket = DefaultConfig().TimeBucket
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("pipeline")
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("alertforge/pipeline")
	}
	return &Pipeline{config: config, Deps: deps, now: time.Now}, nil
}

// Analysis is the scored view of one event.
type Analysis struct {
	Fingerprint string                       `json:"fingerprint"`
	Source      string                       `json:"source"`
	Vendor      telemetry.Vendor             `json:"vendor"`
	EventType   string                       `json:"event_type"`
	Severity    int                          `json:"severity"`
	PrimaryIOC  *telemetry.IOC               `json:"primary_ioc,omitempty"`
	IOCs        []telemetry.IOC              `json:"iocs"`
	Enrichment  map[string]enrichment.Result `json:"enrichment"`
	Score       scoring.Score                `json:"score"`
	Category    scoring.Category             `json:"category"`
	Status      alert.Status                 `json:"status"`
	IsNew       bool                         `json:"is_new"`
	Occurrences int                          `json:"occurrences"`
	Techniques  []mitre.Mapping              `json:"mitre_techniques,omitempty"`
}

// ActionSummary lists the actions the category calls for and the ones
// actually queued for this delivery.
type ActionSummary struct {
	Recommended []scoring.ActionKind `json:"recommended"`
	Triggered   []scoring.ActionKind `json:"triggered"`
}

// Outcome is the result of processing one event.
type Outcome struct {
	Analysis    Analysis      `json:"analysis"`
	Actions     ActionSummary `json:"actions"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// Process runs raw through every stage. Only *normalization.ValidationError
// and *alert.StoreError are returned; enrichment and dispatch problems are
// absorbed.
func (p *Pipeline) Process(ctx context.Context, raw *telemetry.RawEvent) (Outcome, error) {
	ctx, span := p.Tracer.Start(ctx, "pipeline.process")
	defer span.End()

	start := p.now()
	ev, err := p.normalize(ctx, raw)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		p.Metrics.ObserveEvent(string(telemetry.VendorUnspecified), "rejected")
		return Outcome{}, err
	}
	span.SetAttributes(
		attribute.String("event.vendor", string(ev.Vendor)),
		attribute.String("event.source", ev.Source),
		attribute.Int("event.severity", ev.Severity),
	)

	iocs := p.extract(ctx, ev)
	primary, _ := extraction.Primary(iocs)
	enriched := p.enrich(ctx, iocs)

	score, category, techniques := p.score(ctx, ev, iocs, enriched)
	fingerprint := alert.Fingerprint(ev, primary, p.config.TimeBucket)
	span.SetAttributes(
		attribute.String("alert.fingerprint", fingerprint),
		attribute.String("alert.category", string(category)),
		attribute.Int("alert.score", score.Final),
	)

	res, err := p.upsert(ctx, alert.UpsertInput{
		Fingerprint: fingerprint,
		Event:       ev,
		PrimaryIOC:  primary,
		IOCs:        iocs,
		Score:       score,
		Category:    category,
		At:          p.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		p.Metrics.ObserveEvent(string(ev.Vendor), "store_error")
		return Outcome{}, err
	}
	p.Metrics.ObserveAlert(string(res.Alert.Category), res.IsNew)

	triggered := p.dispatch(ctx, res)
	p.announce(res)

	p.Metrics.ObserveEvent(string(ev.Vendor), "processed")
	p.Metrics.ObserveStage("total", p.now().Sub(start))

	out := Outcome{
		Analysis: Analysis{
			Fingerprint: res.Alert.Fingerprint,
			Source:      ev.Source,
			Vendor:      ev.Vendor,
			EventType:   ev.EventType,
			Severity:    ev.Severity,
			PrimaryIOC:  res.Alert.PrimaryIOC,
			IOCs:        iocs,
			Enrichment:  byIndicator(enriched),
			Score:       res.Alert.Score,
			Category:    res.Alert.Category,
			Status:      res.Alert.Status,
			IsNew:       res.IsNew,
			Occurrences: res.Alert.Occurrences,
			Techniques:  techniques,
		},
		Actions: ActionSummary{
			Recommended: scoring.RecommendedActions(res.Alert.Category),
			Triggered:   triggered,
		},
		ProcessedAt: p.now().UTC(),
	}
	if out.Analysis.IOCs == nil {
		out.Analysis.IOCs = []telemetry.IOC{}
	}
	return out, nil
}

func (p *Pipeline) normalize(ctx context.Context, raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error) {
	_, span := p.Tracer.Start(ctx, "pipeline.normalize")
	defer span.End()
	defer p.observe("normalize", p.now())

	ev, err := p.Normalizer.Normalize(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ev, err
}

func (p *Pipeline) extract(ctx context.Context, ev telemetry.NormalizedEvent) []telemetry.IOC {
	_, span := p.Tracer.Start(ctx, "pipeline.extract")
	defer span.End()
	defer p.observe("extract", p.now())

	iocs := extraction.Extract(ev)
	span.SetAttributes(attribute.Int("iocs.count", len(iocs)))
	return iocs
}

func (p *Pipeline) enrich(ctx context.Context, iocs []telemetry.IOC) map[telemetry.IOC]enrichment.Result {
	ctx, span := p.Tracer.Start(ctx, "pipeline.enrich")
	defer span.End()
	defer p.observe("enrich", p.now())

	if len(iocs) == 0 {
		return map[telemetry.IOC]enrichment.Result{}
	}
	enriched := p.Enricher.Enrich(ctx, iocs)

	partial := 0
	for _, r := range enriched {
		if r.Partial {
			partial++
		}
	}
	span.SetAttributes(attribute.Int("enrichment.partial", partial))
	return enriched
}

func (p *Pipeline) score(ctx context.Context, ev telemetry.NormalizedEvent, iocs []telemetry.IOC, enriched map[telemetry.IOC]enrichment.Result) (scoring.Score, scoring.Category, []mitre.Mapping) {
	_, span := p.Tracer.Start(ctx, "pipeline.score")
	defer span.End()
	defer p.observe("score", p.now())

	score := p.Scorer.Score(ev, enriched)
	category := p.Scorer.Categorize(score.Final)

	var techniques []mitre.Mapping
	if p.Attack != nil {
		techniques = p.Attack.Tag(ev, iocs)
	}
	return score, category, techniques
}

func (p *Pipeline) upsert(ctx context.Context, in alert.UpsertInput) (alert.UpsertResult, error) {
	ctx, span := p.Tracer.Start(ctx, "pipeline.upsert")
	defer span.End()
	defer p.observe("upsert", p.now())

	res, err := p.Store.Upsert(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Logger.Error("Failed to persist alert",
			zap.String("fingerprint", in.Fingerprint),
			zap.Error(err),
		)
		var storeErr *alert.StoreError
		if !errors.As(err, &storeErr) {
			err = &alert.StoreError{Op: "upsert", Err: err}
		}
		return alert.UpsertResult{}, err
	}
	span.SetAttributes(attribute.Bool("alert.new", res.IsNew))
	return res, nil
}

// dispatch queues side effects when the delivery warrants them and returns
// the action kinds that were queued.
func (p *Pipeline) dispatch(ctx context.Context, res alert.UpsertResult) []scoring.ActionKind {
	triggered := []scoring.ActionKind{}
	if p.Dispatcher == nil || !actions.ShouldDispatch(res) {
		return triggered
	}

	ctx, span := p.Tracer.Start(ctx, "pipeline.dispatch")
	defer span.End()

	if err := p.Dispatcher.Submit(ctx, res.Alert); err != nil {
		span.RecordError(err)
		p.Logger.Warn("Alert not queued for actions",
			zap.String("fingerprint", res.Alert.Fingerprint),
			zap.String("category", string(res.Alert.Category)),
			zap.Error(err),
		)
		return triggered
	}
	return append(triggered, scoring.RecommendedActions(res.Alert.Category)...)
}

func (p *Pipeline) announce(res alert.UpsertResult) {
	if p.Publisher == nil {
		return
	}
	msgType := TypeAlertUpdated
	if res.IsNew {
		msgType = TypeAlertCreated
	}
	p.Publisher.Publish(ChannelAlerts, msgType, res.Alert)
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.Metrics.ObserveStage(stage, p.now().Sub(start))
}

func byIndicator(enriched map[telemetry.IOC]enrichment.Result) map[string]enrichment.Result {
	out := make(map[string]enrichment.Result, len(enriched))
	for ioc, r := range enriched {
		out[ioc.String()] = r
	}
	return out
}
