// OTX (AlienVault Open Threat Exchange) is a free threat intelligence
// community; an indicator referenced by one or more pulses is considered
// known-bad, with confidence growing with the pulse count.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXProvider implements the Provider interface for AlienVault OTX.
type OTXProvider struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
	// MaliciousPulseCount is the pulse count at which an indicator without
	// high-severity tags is still reported malicious.
	MaliciousPulseCount int `yaml:"malicious_pulse_count"`
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:    "OTX_API_KEY",
			BaseURL:   otxDefaultBaseURL,
			Timeout:   5 * time.Second,
			RateLimit: 60, // OTX allows ~60 requests/minute
		},
		MaliciousPulseCount: 3,
	}
}

// NewOTXProvider creates a new OTX provider.
func NewOTXProvider(config OTXConfig) (*OTXProvider, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKey)
	}

	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.MaliciousPulseCount <= 0 {
		config.MaliciousPulseCount = 3
	}

	return &OTXProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string {
	return "otx"
}

// Supports reports whether OTX can look up the indicator type.
func (p *OTXProvider) Supports(t telemetry.IOCType) bool {
	switch t {
	case telemetry.IOCTypeIP, telemetry.IOCTypeDomain, telemetry.IOCTypeHash:
		return true
	}
	return false
}

// HealthCheck verifies connectivity to OTX.
func (p *OTXProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	return nil
}

// Lookup checks a single indicator against OTX.
func (p *OTXProvider) Lookup(ctx context.Context, ioc telemetry.IOC) (Verdict, error) {
	path, err := p.buildIndicatorPath(ioc)
	if err != nil {
		return Verdict{}, err
	}

	req, err := p.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: err}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("OTX lookup failed: %w", err)}
	}
	defer resp.Body.Close()

	// 404 means OTX has never seen the indicator
	if resp.StatusCode == http.StatusNotFound {
		return p.clean(), nil
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("OTX returned %q", strings.TrimSpace(string(body)))}
	}

	var generalResp OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&generalResp); err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("decoding OTX response: %w", err)}
	}

	if generalResp.PulseInfo.Count == 0 {
		return p.clean(), nil
	}

	return p.buildVerdict(generalResp), nil
}

func (p *OTXProvider) clean() Verdict {
	return Verdict{
		Provider:   p.Name(),
		Reputation: ReputationBenign,
		Confidence: 0.5,
		FetchedAt:  time.Now().UTC(),
	}
}

// buildVerdict turns pulse associations into a reputation. High-severity
// tags or enough independent pulses mark the indicator malicious.
func (p *OTXProvider) buildVerdict(resp OTXGeneralResponse) Verdict {
	var pulse OTXPulse
	if len(resp.PulseInfo.Pulses) > 0 {
		pulse = resp.PulseInfo.Pulses[0]
	}

	severity := p.determineSeverity(pulse)
	reputation := ReputationSuspicious
	if severity == "critical" || severity == "high" || resp.PulseInfo.Count >= p.config.MaliciousPulseCount {
		reputation = ReputationMalicious
	}

	return Verdict{
		Provider:   p.Name(),
		Reputation: reputation,
		Confidence: p.calculateConfidence(resp.PulseInfo.Count),
		ThreatType: p.determineThreatType(pulse),
		Tags:       pulse.Tags,
		Raw: marshalRaw(map[string]any{
			"pulse_count": resp.PulseInfo.Count,
			"pulse_id":    pulse.ID,
			"pulse_name":  pulse.Name,
			"severity":    severity,
			"adversary":   pulse.Adversary,
		}),
		FetchedAt: time.Now().UTC(),
	}
}

// buildIndicatorPath constructs the API path for IOC lookup.
func (p *OTXProvider) buildIndicatorPath(ioc telemetry.IOC) (string, error) {
	encodedValue := url.PathEscape(ioc.Value)

	switch ioc.Type {
	case telemetry.IOCTypeIP:
		if addr, err := netip.ParseAddr(ioc.Value); err == nil && addr.Is6() {
			return fmt.Sprintf("/indicators/IPv6/%s/general", encodedValue), nil
		}
		return fmt.Sprintf("/indicators/IPv4/%s/general", encodedValue), nil
	case telemetry.IOCTypeDomain:
		return fmt.Sprintf("/indicators/domain/%s/general", encodedValue), nil
	case telemetry.IOCTypeHash:
		if detectHashType(ioc.Value) == "" {
			return "", fmt.Errorf("%w: hash of length %d", ErrUnsupportedIOC, len(ioc.Value))
		}
		return fmt.Sprintf("/indicators/file/%s/general", encodedValue), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedIOC, ioc.Type)
	}
}

func detectHashType(hash string) string {
	switch len(hash) {
	case 32:
		return "MD5"
	case 40:
		return "SHA1"
	case 64:
		return "SHA256"
	default:
		return ""
	}
}

// newRequest creates an authenticated OTX API request.
func (p *OTXProvider) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "AlertForge/1.0")

	return req, nil
}

// determineThreatType maps OTX pulse data to our threat type.
func (p *OTXProvider) determineThreatType(pulse OTXPulse) ThreatType {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "ransomware"):
		return ThreatTypeRansomware
	case strings.Contains(tagLower, "malware"):
		return ThreatTypeMalware
	case strings.Contains(tagLower, "c2") || strings.Contains(tagLower, "command and control"):
		return ThreatTypeC2
	case strings.Contains(tagLower, "phishing"):
		return ThreatTypePhishing
	case strings.Contains(tagLower, "botnet"):
		return ThreatTypeBotnet
	case strings.Contains(tagLower, "scanner") || strings.Contains(tagLower, "scan"):
		return ThreatTypeScanner
	case strings.Contains(tagLower, "tor"):
		return ThreatTypeTOR
	case strings.Contains(tagLower, "vpn"):
		return ThreatTypeVPN
	case strings.Contains(tagLower, "proxy"):
		return ThreatTypeProxy
	case strings.Contains(tagLower, "spam"):
		return ThreatTypeSpam
	case strings.Contains(tagLower, "apt"):
		return ThreatTypeAPT
	default:
		return ThreatTypeUnknown
	}
}

// determineSeverity maps an OTX pulse to a severity level.
func (p *OTXProvider) determineSeverity(pulse OTXPulse) string {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return "critical"
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return "high"
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return "medium"
	}

	if pulse.Adversary != "" {
		return "high"
	}

	return "low"
}

// calculateConfidence determines confidence based on pulse count.
func (p *OTXProvider) calculateConfidence(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.95
	case pulseCount >= 5:
		return 0.85
	case pulseCount >= 3:
		return 0.75
	case pulseCount >= 1:
		return 0.65
	default:
		return 0.5
	}
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	Tags        []string `json:"tags"`
	Adversary   string   `json:"adversary,omitempty"`
}

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}
