// Package normalization maps vendor payloads onto the canonical
// NormalizedEvent. Vendor detection runs an ordered chain of predicates over
// the payload shape, most specific first, with a schema-checked generic
// fallback.
package normalization

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Normalizer converts raw vendor payloads to NormalizedEvents.
type Normalizer struct {
	strategies []strategy
	logger     *zap.Logger
}

// NewNormalizer builds the strategy chain.
func NewNormalizer(logger *zap.Logger) (*Normalizer, error) {
	g, err := newGeneric()
	if err != nil {
		return nil, fmt.Errorf("failed to compile generic event schema: %w", err)
	}
	return &Normalizer{
		strategies: []strategy{ruleBased{}, flatEvent{}, g},
		logger:     logger.Named("normalizer"),
	}, nil
}

// Detect returns the vendor family the payload would be normalized as.
func (n *Normalizer) Detect(payload map[string]interface{}) telemetry.Vendor {
	for _, s := range n.strategies {
		if s.Matches(payload) {
			return s.Vendor()
		}
	}
	return telemetry.VendorUnspecified
}

// Normalize maps raw onto the canonical event. It is a pure function of the
// payload and receipt time. Failures are always *ValidationError.
func (n *Normalizer) Normalize(raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error) {
	if raw == nil || len(raw.Payload) == 0 {
		return telemetry.NormalizedEvent{}, &ValidationError{Vendor: "unknown", Reason: "empty payload"}
	}

	for _, s := range n.strategies {
		if !s.Matches(raw.Payload) {
			continue
		}
		ev, err := s.Normalize(raw)
		if err != nil {
			n.logger.Debug("Payload rejected",
				zap.String("vendor", string(s.Vendor())),
				zap.String("declared_vendor", raw.DeclaredVendor),
				zap.Error(err))
			return telemetry.NormalizedEvent{}, err
		}
		return ev, nil
	}

	return telemetry.NormalizedEvent{}, &ValidationError{Vendor: "unknown", Reason: "unrecognized payload"}
}
