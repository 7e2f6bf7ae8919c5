// Package enrichment looks up indicators of compromise against threat
// intelligence providers, guarded by per-provider circuit breakers and backed
// by a reputation cache.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Reputation is a provider's opinion of an indicator.
type Reputation string

const (
	ReputationMalicious  Reputation = "malicious"
	ReputationSuspicious Reputation = "suspicious"
	ReputationBenign     Reputation = "benign"
	ReputationUnknown    Reputation = "unknown"
)

// rank orders reputations from least to most severe.
func (r Reputation) rank() int {
	switch r {
	case ReputationMalicious:
		return 3
	case ReputationSuspicious:
		return 2
	case ReputationBenign:
		return 1
	default:
		return 0
	}
}

// ThreatType categorizes the threat.
type ThreatType string

const (
	ThreatTypeMalware    ThreatType = "malware"
	ThreatTypeC2         ThreatType = "c2"
	ThreatTypePhishing   ThreatType = "phishing"
	ThreatTypeBotnet     ThreatType = "botnet"
	ThreatTypeScanner    ThreatType = "scanner"
	ThreatTypeTOR        ThreatType = "tor"
	ThreatTypeVPN        ThreatType = "vpn"
	ThreatTypeProxy      ThreatType = "proxy"
	ThreatTypeSpam       ThreatType = "spam"
	ThreatTypeAPT        ThreatType = "apt"
	ThreatTypeRansomware ThreatType = "ransomware"
	ThreatTypeUnknown    ThreatType = "unknown"
)

// Verdict is one provider's answer for one indicator.
type Verdict struct {
	Provider   string          `json:"provider"`
	Reputation Reputation      `json:"reputation"`
	Confidence float64         `json:"confidence"`
	ThreatType ThreatType      `json:"threat_type,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Stale      bool            `json:"stale,omitempty"`
}

// Result is the aggregated enrichment of one indicator across providers.
type Result struct {
	Reputation Reputation `json:"reputation"`
	Confidence float64    `json:"confidence"`
	Verdicts   []Verdict  `json:"verdicts,omitempty"`
	Partial    bool       `json:"partial,omitempty"`
	Cached     bool       `json:"cached,omitempty"`
}

// Unknown is the result when no provider could answer.
func Unknown() Result {
	return Result{Reputation: ReputationUnknown, Confidence: 0, Partial: true}
}

// Provider is the interface for threat intelligence sources.
type Provider interface {
	Name() string
	Supports(iocType telemetry.IOCType) bool
	Lookup(ctx context.Context, ioc telemetry.IOC) (Verdict, error)
	HealthCheck(ctx context.Context) error
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKey    string        `yaml:"api_key_env"` // name of the env var holding the key
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // requests per minute, 0 = unlimited
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:   5 * time.Second,
		RateLimit: 60,
	}
}

var (
	// ErrUnsupportedIOC is returned by providers for indicator types they
	// cannot look up. It is not a provider failure.
	ErrUnsupportedIOC = errors.New("unsupported IOC type")

	// ErrCircuitOpen is returned when a provider's breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ProviderError wraps a failed lookup. It never reaches ingestion callers;
// the coordinator absorbs it into an unknown verdict.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
