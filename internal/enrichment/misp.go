// MISP (Malware Information Sharing Platform) is an open-source threat
// intelligence platform; an indicator present as a published attribute is
// known-bad, weighted by the owning event's threat level.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// MISPProvider implements the Provider interface for MISP.
type MISPProvider struct {
	config     MISPConfig
	apiKey     string
	httpClient *http.Client
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	PublishedOnly  bool `yaml:"published_only"`
	ToIDSOnly      bool `yaml:"to_ids_only"` // only attributes flagged for detection
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := MISPConfig{
		ProviderConfig: DefaultProviderConfig(),
		PublishedOnly:  true,
	}
	cfg.APIKey = "MISP_API_KEY"
	return cfg
}

// NewMISPProvider creates a new MISP provider.
func NewMISPProvider(config MISPConfig) (*MISPProvider, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKey)
	}

	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}

	return &MISPProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *MISPProvider) Name() string {
	return "misp"
}

// Supports reports whether MISP can look up the indicator type.
func (p *MISPProvider) Supports(t telemetry.IOCType) bool {
	return toMISPType(t) != ""
}

// HealthCheck verifies connectivity to MISP.
func (p *MISPProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}

	return nil
}

// Lookup searches MISP attributes for the indicator value.
func (p *MISPProvider) Lookup(ctx context.Context, ioc telemetry.IOC) (Verdict, error) {
	mispType := toMISPType(ioc.Type)
	if mispType == "" {
		return Verdict{}, fmt.Errorf("%w: %s", ErrUnsupportedIOC, ioc.Type)
	}

	searchReq := MISPAttributeSearchRequest{
		Value:     ioc.Value,
		Type:      mispType,
		Published: p.config.PublishedOnly,
		ToIDS:     p.config.ToIDSOnly,
		Limit:     10,
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: err}
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: err}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("MISP search failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("MISP returned %q", strings.TrimSpace(string(bodyBytes)))}
	}

	var searchResp MISPAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return Verdict{}, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to decode MISP response: %w", err)}
	}

	if len(searchResp.Response.Attribute) == 0 {
		return Verdict{
			Provider:   p.Name(),
			Reputation: ReputationBenign,
			Confidence: 0.3,
			FetchedAt:  time.Now().UTC(),
		}, nil
	}

	return p.attributeToVerdict(p.strongest(searchResp.Response.Attribute)), nil
}

// strongest picks the attribute whose event carries the highest threat
// level. MISP threat levels run 1 (high) to 4 (undefined).
func (p *MISPProvider) strongest(attrs []MISPAttribute) MISPAttribute {
	best := attrs[0]
	for _, a := range attrs[1:] {
		if threatLevelToConfidence(a.Event.ThreatLevelID) > threatLevelToConfidence(best.Event.ThreatLevelID) {
			best = a
		}
	}
	return best
}

// attributeToVerdict converts a MISP attribute to a verdict.
func (p *MISPProvider) attributeToVerdict(attr MISPAttribute) Verdict {
	reputation := ReputationSuspicious
	switch attr.Event.ThreatLevelID {
	case "1", "2":
		reputation = ReputationMalicious
	}

	tags := make([]string, 0, len(attr.Tag))
	for _, t := range attr.Tag {
		tags = append(tags, t.Name)
	}

	return Verdict{
		Provider:   p.Name(),
		Reputation: reputation,
		Confidence: threatLevelToConfidence(attr.Event.ThreatLevelID),
		ThreatType: categoryToThreatType(attr.Category),
		Tags:       tags,
		Raw: marshalRaw(map[string]any{
			"attribute_uuid": attr.UUID,
			"event_id":       attr.EventID,
			"event_info":     attr.Event.Info,
			"category":       attr.Category,
			"threat_level":   threatLevelToSeverity(attr.Event.ThreatLevelID),
			"reference":      fmt.Sprintf("%s/events/view/%s", strings.TrimSuffix(p.config.BaseURL, "/"), attr.EventID),
		}),
		FetchedAt: time.Now().UTC(),
	}
}

// newRequest creates an authenticated MISP API request.
func (p *MISPProvider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(p.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Published bool   `json:"published,omitempty"`
	ToIDS     bool   `json:"to_ids,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID       string    `json:"id"`
	UUID     string    `json:"uuid"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	Value    string    `json:"value"`
	Comment  string    `json:"comment"`
	ToIDS    bool      `json:"to_ids"`
	Tag      []MISPTag `json:"Tag,omitempty"`
	Event    MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
	Published     bool   `json:"published"`
}

func toMISPType(iocType telemetry.IOCType) string {
	switch iocType {
	case telemetry.IOCTypeIP:
		return "ip-src|ip-dst"
	case telemetry.IOCTypeDomain:
		return "domain|hostname"
	case telemetry.IOCTypeHash:
		return "md5|sha1|sha256|sha512"
	default:
		return ""
	}
}

func categoryToThreatType(category string) ThreatType {
	switch category {
	case "Network activity":
		return ThreatTypeC2
	case "Payload delivery", "Artifacts dropped", "Payload installation", "Persistence mechanism":
		return ThreatTypeMalware
	default:
		return ThreatTypeUnknown
	}
}

func threatLevelToConfidence(level string) float64 {
	switch level {
	case "1": // High
		return 0.9
	case "2": // Medium
		return 0.7
	case "3": // Low
		return 0.5
	default: // Undefined
		return 0.3
	}
}

func threatLevelToSeverity(level string) string {
	switch level {
	case "1":
		return "high"
	case "2":
		return "medium"
	case "3":
		return "low"
	default:
		return "undefined"
	}
}
