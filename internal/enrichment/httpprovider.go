package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// HTTPProvider queries an in-house reputation service speaking a minimal
// JSON contract:
//
//	GET {base_url}/{type}/{value}  ->  {"reputation": "malicious", "confidence": 0.9}
//
// A 404 means the service has no opinion.
type HTTPProvider struct {
	name       string
	config     HTTPProviderConfig
	apiKey     string
	httpClient *http.Client
}

// HTTPProviderConfig holds configuration for a generic HTTP provider.
type HTTPProviderConfig struct {
	ProviderConfig `yaml:",inline"`
	Name           string              `yaml:"name"`
	Types          []telemetry.IOCType `yaml:"types"` // empty = all types
}

// NewHTTPProvider creates a provider for a generic reputation endpoint. The
// API key is optional.
func NewHTTPProvider(config HTTPProviderConfig) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("http provider base URL is required")
	}
	name := config.Name
	if name == "" {
		name = "http"
	}

	var apiKey string
	if config.APIKey != "" {
		apiKey = os.Getenv(config.APIKey)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderConfig().Timeout
	}

	return &HTTPProvider{
		name:       name,
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the configured provider identifier.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Supports reports whether the indicator type is in the configured set.
func (p *HTTPProvider) Supports(t telemetry.IOCType) bool {
	if len(p.config.Types) == 0 {
		return true
	}
	for _, s := range p.config.Types {
		if s == t {
			return true
		}
	}
	return false
}

// HealthCheck calls {base_url}/health.
func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, "/health")
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}
	return nil
}

// Lookup fetches the service's opinion of one indicator.
func (p *HTTPProvider) Lookup(ctx context.Context, ioc telemetry.IOC) (Verdict, error) {
	if !p.Supports(ioc.Type) {
		return Verdict{}, fmt.Errorf("%w: %s", ErrUnsupportedIOC, ioc.Type)
	}

	req, err := p.newRequest(ctx, "/"+url.PathEscape(string(ioc.Type))+"/"+url.PathEscape(ioc.Value))
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.name, Err: err}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Verdict{Provider: p.name, Reputation: ReputationUnknown, FetchedAt: time.Now().UTC()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response %q", strings.TrimSpace(string(body)))}
	}

	var body struct {
		Reputation Reputation      `json:"reputation"`
		Confidence float64         `json:"confidence"`
		ThreatType ThreatType      `json:"threat_type"`
		Tags       []string        `json:"tags"`
		Details    json.RawMessage `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verdict{}, &ProviderError{Provider: p.name, Err: fmt.Errorf("decoding response: %w", err)}
	}

	switch body.Reputation {
	case ReputationMalicious, ReputationSuspicious, ReputationBenign, ReputationUnknown:
	default:
		return Verdict{}, &ProviderError{Provider: p.name, Err: fmt.Errorf("unknown reputation %q", body.Reputation)}
	}

	confidence := body.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Verdict{
		Provider:   p.name,
		Reputation: body.Reputation,
		Confidence: confidence,
		ThreatType: body.ThreatType,
		Tags:       body.Tags,
		Raw:        body.Details,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (p *HTTPProvider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.config.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
