// Package alert persists scored events as alerts keyed by a deterministic
// fingerprint, and enforces the alert status lifecycle.
package alert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Status is an alert's lifecycle state.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusEnriched     Status = "ENRICHED"
	StatusScored       Status = "SCORED"
	StatusActioned     Status = "ACTIONED"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusEnriched, StatusScored, StatusActioned, StatusAcknowledged, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// OperatorSettable reports whether the status API may move alerts to s.
func OperatorSettable(s Status) bool {
	return s == StatusAcknowledged || s == StatusResolved
}

// CanTransition reports whether an alert in from may move to to. NEW and
// ENRICHED are pipeline-internal and never persisted, so nothing moves to
// them. RESOLVED is terminal.
func CanTransition(from, to Status) bool {
	if from == StatusResolved {
		return false
	}
	switch to {
	case StatusScored:
		return true
	case StatusActioned:
		return from == StatusScored || from == StatusActioned
	case StatusAcknowledged, StatusResolved:
		return from != ""
	default:
		return false
	}
}

// ActionRecord is the outcome of one sink invocation.
type ActionRecord struct {
	Kind     scoring.ActionKind `json:"kind"`
	Sink     string             `json:"sink"`
	Success  bool               `json:"success"`
	Attempts int                `json:"attempts"`
	Error    string             `json:"error,omitempty"`
	At       time.Time          `json:"at"`
}

// Alert is a persisted, scored event.
type Alert struct {
	Fingerprint   string           `json:"fingerprint"`
	Source        string           `json:"source"`
	EventType     string           `json:"event_type"`
	Severity      int              `json:"severity"`
	Message       string           `json:"message,omitempty"`
	PrimaryIOC    *telemetry.IOC   `json:"primary_ioc,omitempty"`
	IOCs          []telemetry.IOC  `json:"iocs"`
	Score         scoring.Score    `json:"score"`
	Category      scoring.Category `json:"category"`
	Status        Status           `json:"status"`
	AssignedTo    *string          `json:"assigned_to"`
	Occurrences   int              `json:"occurrences"`
	ActionHistory []ActionRecord   `json:"action_history"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (a Alert) clone() Alert {
	out := a
	out.IOCs = append([]telemetry.IOC{}, a.IOCs...)
	out.ActionHistory = append([]ActionRecord{}, a.ActionHistory...)
	if a.PrimaryIOC != nil {
		p := *a.PrimaryIOC
		out.PrimaryIOC = &p
	}
	if a.AssignedTo != nil {
		s := *a.AssignedTo
		out.AssignedTo = &s
	}
	return out
}

// UpsertInput is everything the pipeline knows about one delivery.
type UpsertInput struct {
	Fingerprint string
	Event       telemetry.NormalizedEvent
	PrimaryIOC  telemetry.IOC // zero when the event carried no indicator
	IOCs        []telemetry.IOC
	Score       scoring.Score
	Category    scoring.Category
	At          time.Time
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	Alert            Alert
	IsNew            bool
	PreviousCategory scoring.Category // empty when IsNew
	PreviousStatus   Status           // empty when IsNew
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status   Status
	Category scoring.Category
	Limit    int
	Offset   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// Store persists alerts. Upsert is atomic per fingerprint: concurrent
// deliveries of the same event produce one alert.
type Store interface {
	Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error)
	Get(ctx context.Context, fingerprint string) (Alert, error)
	List(ctx context.Context, filter ListFilter) ([]Alert, error)
	Transition(ctx context.Context, fingerprint string, to Status, assignee *string) (Alert, error)
	AppendAction(ctx context.Context, fingerprint string, rec ActionRecord) (Alert, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StoreError wraps a backend failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("alert store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// DefaultTimeBucket groups id-less events into windows for fingerprinting.
const DefaultTimeBucket = 5 * time.Minute

// Fingerprint derives the alert key for an event. Vendor event ids are used
// when present; otherwise message, actor ip and the timestamp truncated to
// bucket stand in for identity. Returns 32 hex characters.
func Fingerprint(ev telemetry.NormalizedEvent, primary telemetry.IOC, bucket time.Duration) string {
	identity := ev.EventID
	if identity == "" {
		ts := ev.Timestamp.UTC()
		if bucket > 0 {
			ts = ts.Truncate(bucket)
		}
		sum := sha256.Sum256([]byte(strings.Join([]string{ev.Message, ev.ActorIP, ts.Format(time.RFC3339)}, "|")))
		identity = hex.EncodeToString(sum[:])
	}

	var p string
	if !primary.IsZero() {
		p = primary.String()
	}

	hash := sha256.Sum256([]byte(strings.Join([]string{ev.Source, identity, p}, "|")))
	return hex.EncodeToString(hash[:16])
}

// merge applies a delivery to the current alert, or builds a new one when
// existing is nil. Re-delivery re-enters SCORED unless the alert is resolved.
func merge(existing *Alert, in UpsertInput) UpsertResult {
	var primary *telemetry.IOC
	if !in.PrimaryIOC.IsZero() {
		p := in.PrimaryIOC
		primary = &p
	}
	iocs := append([]telemetry.IOC{}, in.IOCs...)

	if existing == nil {
		return UpsertResult{
			IsNew: true,
			Alert: Alert{
				Fingerprint:   in.Fingerprint,
				Source:        in.Event.Source,
				EventType:     in.Event.EventType,
				Severity:      in.Event.Severity,
				Message:       in.Event.Message,
				PrimaryIOC:    primary,
				IOCs:          iocs,
				Score:         in.Score,
				Category:      in.Category,
				Status:        StatusScored,
				Occurrences:   1,
				ActionHistory: []ActionRecord{},
				CreatedAt:     in.At,
				UpdatedAt:     in.At,
			},
		}
	}

	res := UpsertResult{
		PreviousCategory: existing.Category,
		PreviousStatus:   existing.Status,
	}
	a := existing.clone()
	a.EventType = in.Event.EventType
	a.Severity = in.Event.Severity
	a.Message = in.Event.Message
	a.PrimaryIOC = primary
	a.IOCs = iocs
	a.Score = in.Score
	a.Category = in.Category
	a.Occurrences++
	if in.At.After(a.UpdatedAt) {
		a.UpdatedAt = in.At
	}
	if a.Status != StatusResolved {
		a.Status = StatusScored
	}
	res.Alert = a
	return res
}

func transition(a *Alert, to Status, assignee *string, at time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	if assignee != nil {
		s := *assignee
		a.AssignedTo = &s
	}
	a.UpdatedAt = at
	return nil
}
