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

const abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDBProvider checks IP addresses against AbuseIPDB's community
// abuse reports. It only supports IP indicators.
type AbuseIPDBProvider struct {
	config     AbuseIPDBConfig
	apiKey     string
	httpClient *http.Client
}

// AbuseIPDBConfig holds AbuseIPDB-specific configuration.
type AbuseIPDBConfig struct {
	ProviderConfig      `yaml:",inline"`
	MaxAgeInDays        int `yaml:"max_age_in_days"`
	MaliciousThreshold  int `yaml:"malicious_threshold"`  // abuse confidence score, 0-100
	SuspiciousThreshold int `yaml:"suspicious_threshold"` // abuse confidence score, 0-100
}

// DefaultAbuseIPDBConfig returns sensible defaults for AbuseIPDB.
func DefaultAbuseIPDBConfig() AbuseIPDBConfig {
	return AbuseIPDBConfig{
		ProviderConfig: ProviderConfig{
			APIKey:    "ABUSEIPDB_API_KEY",
			BaseURL:   abuseIPDBDefaultBaseURL,
			Timeout:   5 * time.Second,
			RateLimit: 60,
		},
		MaxAgeInDays:        90,
		MaliciousThreshold:  75,
		SuspiciousThreshold: 25,
	}
}

// NewAbuseIPDBProvider creates a new AbuseIPDB provider.
func NewAbuseIPDBProvider(config AbuseIPDBConfig) (*AbuseIPDBProvider, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("AbuseIPDB API key not found in env var: %s", config.APIKey)
	}

	defaults := DefaultAbuseIPDBConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.MaxAgeInDays <= 0 {
		config.MaxAgeInDays = defaults.MaxAgeInDays
	}
	if config.MaliciousThreshold <= 0 {
		config.MaliciousThreshold = defaults.MaliciousThreshold
	}
	if config.SuspiciousThreshold <= 0 {
		config.SuspiciousThreshold = defaults.SuspiciousThreshold
	}

	return &AbuseIPDBProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *AbuseIPDBProvider) Name() string {
	return "abuseipdb"
}

// Supports reports whether AbuseIPDB can look up the indicator type.
func (p *AbuseIPDBProvider) Supports(t telemetry.IOCType) bool {
	return t == telemetry.IOCTypeIP
}

// HealthCheck checks a well-known address to verify the key and endpoint.
func (p *AbuseIPDBProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Lookup(ctx, telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "127.0.0.1"})
	return err
}

// Lookup queries the abuse confidence score of an IP address.
func (p *AbuseIPDBProvider) Lookup(ctx context.Context, ioc telemetry.IOC) (Verdict, error) {
	if !p.Supports(ioc.Type) {
		return Verdict{}, fmt.Errorf("%w: %s", ErrUnsupportedIOC, ioc.Type)
	}

	q := url.Values{}
	q.Set("ipAddress", ioc.Value)
	q.Set("maxAgeInDays", fmt.Sprintf("%d", p.config.MaxAgeInDays))
	endpoint := strings.TrimSuffix(p.config.BaseURL, "/") + "/check?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: err}
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("AbuseIPDB check failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("AbuseIPDB returned %q", strings.TrimSpace(string(body)))}
	}

	var checkResp AbuseIPDBCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkResp); err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("decoding AbuseIPDB response: %w", err)}
	}

	return p.buildVerdict(checkResp.Data), nil
}

func (p *AbuseIPDBProvider) buildVerdict(d AbuseIPDBCheckData) Verdict {
	score := d.AbuseConfidenceScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	v := Verdict{
		Provider: p.Name(),
		Raw: marshalRaw(map[string]any{
			"abuse_confidence_score": d.AbuseConfidenceScore,
			"total_reports":          d.TotalReports,
			"country_code":           d.CountryCode,
			"usage_type":             d.UsageType,
			"isp":                    d.ISP,
			"is_whitelisted":         d.IsWhitelisted,
		}),
		FetchedAt: time.Now().UTC(),
	}

	switch {
	case d.IsWhitelisted:
		v.Reputation = ReputationBenign
		v.Confidence = 0.9
	case score >= p.config.MaliciousThreshold:
		v.Reputation = ReputationMalicious
		v.Confidence = float64(score) / 100
	case score >= p.config.SuspiciousThreshold:
		v.Reputation = ReputationSuspicious
		v.Confidence = float64(score) / 100
	default:
		v.Reputation = ReputationBenign
		v.Confidence = float64(100-score) / 100
	}
	return v
}

// AbuseIPDBCheckResponse is the response from /check.
type AbuseIPDBCheckResponse struct {
	Data AbuseIPDBCheckData `json:"data"`
}

// AbuseIPDBCheckData holds the report summary for one address.
type AbuseIPDBCheckData struct {
	IPAddress            string `json:"ipAddress"`
	IsPublic             bool   `json:"isPublic"`
	IsWhitelisted        bool   `json:"isWhitelisted"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	CountryCode          string `json:"countryCode"`
	UsageType            string `json:"usageType"`
	ISP                  string `json:"isp"`
	TotalReports         int    `json:"totalReports"`
	LastReportedAt       string `json:"lastReportedAt"`
}
