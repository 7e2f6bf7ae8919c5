// Package scoring turns a normalized event and its enrichment into a numeric
// score, a severity category and the actions that category calls for.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/lvonguyen/alertforge/internal/enrichment"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Category is the severity bucket of a final score.
type Category string

const (
	CategoryLow      Category = "LOW"
	CategoryMedium   Category = "MEDIUM"
	CategoryHigh     Category = "HIGH"
	CategoryCritical Category = "CRITICAL"
)

// Rank orders categories; unknown values rank below LOW.
func (c Category) Rank() int {
	switch c {
	case CategoryLow:
		return 1
	case CategoryMedium:
		return 2
	case CategoryHigh:
		return 3
	case CategoryCritical:
		return 4
	default:
		return 0
	}
}

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if c.Rank() == 0 {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// ActionKind is a side effect recommended for a category.
type ActionKind string

const (
	ActionNotify ActionKind = "notify"
	ActionTicket ActionKind = "ticket"
)

// Score is the breakdown of an alert's 0-100 score.
type Score struct {
	Base  int `json:"base"`
	Intel int `json:"intel"`
	Final int `json:"final"`
}

const (
	severityWeight   = 4  // 15 * 4 = 60
	intelWeight      = 40 // max intel contribution
	suspiciousFactor = 0.5
	maxScore         = 100
)

// Config holds the category breakpoints.
type Config struct {
	// Thresholds are the ascending lower bounds of MEDIUM, HIGH and CRITICAL.
	Thresholds []int `yaml:"thresholds"`
}

// DefaultConfig returns the default breakpoints.
func DefaultConfig() Config {
	return Config{Thresholds: []int{25, 50, 75}}
}

// Validate checks that there are exactly three strictly ascending
// breakpoints inside the score range.
func (c Config) Validate() error {
	if len(c.Thresholds) != 3 {
		return fmt.Errorf("scoring.thresholds: need 3 breakpoints, got %d", len(c.Thresholds))
	}
	prev := 0
	for i, t := range c.Thresholds {
		if t <= prev || t > maxScore {
			return fmt.Errorf("scoring.thresholds[%d]=%d: must be ascending within 1..%d", i, t, maxScore)
		}
		prev = t
	}
	return nil
}

// Engine scores events. It is stateless and safe for concurrent use.
type Engine struct {
	thresholds [3]int
}

// NewEngine validates the config and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Thresholds == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{}
	copy(e.thresholds[:], cfg.Thresholds)
	return e, nil
}

// Score combines event severity with the strongest intel signal across all
// enriched indicators.
func (e *Engine) Score(ev telemetry.NormalizedEvent, enriched map[telemetry.IOC]enrichment.Result) Score {
	base := telemetry.ClampSeverity(ev.Severity) * severityWeight

	var signal float64
	for _, r := range enriched {
		if s := signalOf(r); s > signal {
			signal = s
		}
	}
	intel := int(math.Round(signal * intelWeight))

	return Score{Base: base, Intel: intel, Final: clamp(base+intel, 0, maxScore)}
}

// Categorize buckets a final score. A score equal to a breakpoint takes the
// higher category.
func (e *Engine) Categorize(final int) Category {
	switch {
	case final < e.thresholds[0]:
		return CategoryLow
	case final < e.thresholds[1]:
		return CategoryMedium
	case final < e.thresholds[2]:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// RecommendedActions lists the side effects a category calls for.
func RecommendedActions(c Category) []ActionKind {
	switch c {
	case CategoryMedium:
		return []ActionKind{ActionNotify}
	case CategoryHigh, CategoryCritical:
		return []ActionKind{ActionNotify, ActionTicket}
	default:
		return []ActionKind{}
	}
}

// signalOf is the strongest confidence-weighted signal for one indicator,
// taken per provider verdict so a weak malicious verdict cannot mask a
// confident suspicious one.
func signalOf(r enrichment.Result) float64 {
	best := weigh(r.Reputation, r.Confidence)
	for _, v := range r.Verdicts {
		best = math.Max(best, weigh(v.Reputation, v.Confidence))
	}
	return best
}

func weigh(rep enrichment.Reputation, confidence float64) float64 {
	conf := math.Max(0, math.Min(1, confidence))
	switch rep {
	case enrichment.ReputationMalicious:
		return conf
	case enrichment.ReputationSuspicious:
		return conf * suspiciousFactor
	default:
		return 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
