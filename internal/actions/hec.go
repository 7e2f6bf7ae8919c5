package actions

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/scoring"
)

// HECEvent is one Splunk HTTP Event Collector event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECSenderConfig configures forwarding of alerts to Splunk.
type HECSenderConfig struct {
	HECURL     string             `yaml:"hec_url"`
	TokenEnv   string             `yaml:"token_env"`
	Index      string             `yaml:"index"`
	SourceType string             `yaml:"sourcetype"`
	Source     string             `yaml:"source"`
	Kind       scoring.ActionKind `yaml:"kind"` // which recommendation triggers the forward
}

// DefaultHECSenderConfig returns sensible defaults.
func DefaultHECSenderConfig() HECSenderConfig {
	return HECSenderConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:      "alertforge",
		SourceType: "alertforge:alert",
		Source:     "alertforge",
		Kind:       scoring.ActionNotify,
	}
}

// HECSenderStats tracks sender metrics.
type HECSenderStats struct {
	EventsSent   int64
	EventsFailed int64
	LastSendAt   time.Time
}

// HECSender forwards alerts to a Splunk HEC endpoint.
type HECSender struct {
	config     HECSenderConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      HECSenderStats
}

type hecResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config HECSenderConfig) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.Kind == "" {
		config.Kind = scoring.ActionNotify
	}

	return &HECSender{
		config:     config,
		token:      token,
		httpClient: &http.Client{},
	}, nil
}

func (s *HECSender) Name() string             { return "splunk_hec" }
func (s *HECSender) Kind() scoring.ActionKind { return s.config.Kind }

// Execute sends one alert as a HEC event.
func (s *HECSender) Execute(ctx context.Context, a alert.Alert) error {
	event := HECEvent{
		Time:       float64(a.UpdatedAt.Unix()),
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      a,
		Fields: map[string]any{
			"fingerprint": a.Fingerprint,
			"category":    string(a.Category),
			"risk_score":  a.Score.Final,
			"ioc_count":   len(a.IOCs),
		},
	}

	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"
	header := http.Header{}
	header.Set("Authorization", "Splunk "+s.token)

	var resp hecResponse
	err := doJSON(ctx, s.httpClient, s.Name(), http.MethodPost, url, header, event, &resp)
	if err == nil && resp.Code != 0 {
		err = &ActionError{Sink: s.Name(), Err: fmt.Errorf("HEC code %d: %s", resp.Code, resp.Text)}
	}

	s.mu.Lock()
	if err != nil {
		s.stats.EventsFailed++
	} else {
		s.stats.EventsSent++
		s.stats.LastSendAt = time.Now()
	}
	s.mu.Unlock()

	return err
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() HECSenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
