package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// newTestOTXProvider points an OTX provider at a test server.
func newTestOTXProvider(t *testing.T, serverURL string) *OTXProvider {
	t.Helper()
	os.Setenv("TEST_OTX_KEY", "test-api-key")
	t.Cleanup(func() { os.Unsetenv("TEST_OTX_KEY") })

	config := DefaultOTXConfig()
	config.APIKey = "TEST_OTX_KEY"
	config.BaseURL = serverURL

	provider, err := NewOTXProvider(config)
	if err != nil {
		t.Fatalf("NewOTXProvider should succeed: %v", err)
	}
	return provider
}

// =============================================================================
// Provider Creation Tests
// =============================================================================

// TestNewOTXProvider_MissingAPIKey verifies that creating a provider without
// an API key in the environment returns an error.
func TestNewOTXProvider_MissingAPIKey(t *testing.T) {
	os.Unsetenv("TEST_OTX_KEY")

	config := OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:  "TEST_OTX_KEY",
			BaseURL: "https://otx.alienvault.com",
		},
	}

	_, err := NewOTXProvider(config)
	if err == nil {
		t.Fatal("NewOTXProvider should fail when API key env var is empty")
	}

	if !strings.Contains(err.Error(), "OTX API key not found") {
		t.Errorf("error should mention missing API key, got: %v", err)
	}
}

// TestNewOTXProvider_DefaultBaseURL verifies default base URL is set.
func TestNewOTXProvider_DefaultBaseURL(t *testing.T) {
	os.Setenv("TEST_OTX_KEY", "test-api-key")
	defer os.Unsetenv("TEST_OTX_KEY")

	config := OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:  "TEST_OTX_KEY",
			Timeout: 30 * time.Second,
		},
	}

	provider, err := NewOTXProvider(config)
	if err != nil {
		t.Fatalf("NewOTXProvider should succeed: %v", err)
	}

	if provider.config.BaseURL != otxDefaultBaseURL {
		t.Errorf("expected default base URL %q, got %q", otxDefaultBaseURL, provider.config.BaseURL)
	}
	if provider.Name() != "otx" {
		t.Errorf("expected name 'otx', got %q", provider.Name())
	}
}

// =============================================================================
// Health Check Tests
// =============================================================================

// TestHealthCheck_Success verifies successful health check.
func TestHealthCheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/user/me" {
			t.Errorf("expected path /api/v1/user/me, got %s", r.URL.Path)
		}

		if r.Header.Get("X-OTX-API-KEY") != "test-api-key" {
			t.Errorf("expected API key header, got %q", r.Header.Get("X-OTX-API-KEY"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"username": "testuser"}`))
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should succeed: %v", err)
	}
}

// TestHealthCheck_Unauthorized verifies health check fails on 401.
func TestHealthCheck_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	err := provider.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("HealthCheck should fail on 401")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("error should mention authentication, got: %v", err)
	}
}

// =============================================================================
// Lookup Tests
// =============================================================================

// TestLookup_IPWithHighSeverityTags verifies malware-tagged pulses produce a
// malicious verdict.
func TestLookup_IPWithHighSeverityTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/indicators/IPv4/203.0.113.7/general" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		resp := OTXGeneralResponse{
			Indicator: "203.0.113.7",
			Type:      "IPv4",
			PulseInfo: OTXPulseInfo{
				Count: 2,
				Pulses: []OTXPulse{{
					ID:   "pulse-1",
					Name: "Emotet C2",
					Tags: []string{"malware", "emotet"},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	v, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Lookup should succeed: %v", err)
	}

	if v.Reputation != ReputationMalicious {
		t.Errorf("expected malicious, got %s", v.Reputation)
	}
	if v.Confidence != 0.65 {
		t.Errorf("expected confidence 0.65 for 2 pulses, got %f", v.Confidence)
	}
	if v.ThreatType != ThreatTypeMalware {
		t.Errorf("expected malware threat type, got %s", v.ThreatType)
	}
	if v.Provider != "otx" {
		t.Errorf("expected provider otx, got %s", v.Provider)
	}
	if len(v.Raw) == 0 {
		t.Error("expected raw details")
	}
}

// TestLookup_FewUntaggedPulsesAreSuspicious verifies low-evidence hits are
// reported as suspicious rather than malicious.
func TestLookup_FewUntaggedPulsesAreSuspicious(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OTXGeneralResponse{
			PulseInfo: OTXPulseInfo{Count: 1, Pulses: []OTXPulse{{ID: "p", Tags: []string{"misc"}}}},
		})
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	v, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeDomain, Value: "example.org"})
	if err != nil {
		t.Fatalf("Lookup should succeed: %v", err)
	}
	if v.Reputation != ReputationSuspicious {
		t.Errorf("expected suspicious, got %s", v.Reputation)
	}
}

// TestLookup_ManyPulsesAreMalicious verifies pulse volume alone is enough.
func TestLookup_ManyPulsesAreMalicious(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OTXGeneralResponse{
			PulseInfo: OTXPulseInfo{Count: 12, Pulses: []OTXPulse{{ID: "p"}}},
		})
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	v, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeDomain, Value: "example.org"})
	if err != nil {
		t.Fatalf("Lookup should succeed: %v", err)
	}
	if v.Reputation != ReputationMalicious || v.Confidence != 0.95 {
		t.Errorf("expected malicious/0.95, got %s/%f", v.Reputation, v.Confidence)
	}
}

// TestLookup_NotFound verifies 404 yields a benign verdict, not an error.
func TestLookup_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	v, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "192.0.2.1"})
	if err != nil {
		t.Fatalf("Lookup should not error on 404: %v", err)
	}
	if v.Reputation != ReputationBenign {
		t.Errorf("expected benign, got %s", v.Reputation)
	}
}

// TestLookup_NoPulses verifies zero pulse count yields a benign verdict.
func TestLookup_NoPulses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"indicator": "192.0.2.1", "pulse_info": {"count": 0, "pulses": []}}`))
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	v, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "192.0.2.1"})
	if err != nil {
		t.Fatalf("Lookup should succeed: %v", err)
	}
	if v.Reputation != ReputationBenign {
		t.Errorf("expected benign, got %s", v.Reputation)
	}
}

// TestLookup_ServerError verifies non-200 responses surface as ProviderError.
func TestLookup_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	_, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "192.0.2.1"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", perr.StatusCode)
	}
}

// TestLookup_Paths verifies the endpoint chosen for each indicator type.
func TestLookup_Paths(t *testing.T) {
	tests := []struct {
		ioc  telemetry.IOC
		path string
	}{
		{telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "198.51.100.1"}, "/api/v1/indicators/IPv4/198.51.100.1/general"},
		{telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "2001:db8::1"}, "/api/v1/indicators/IPv6/2001:db8::1/general"},
		{telemetry.IOC{Type: telemetry.IOCTypeDomain, Value: "evil.example.com"}, "/api/v1/indicators/domain/evil.example.com/general"},
		{telemetry.IOC{Type: telemetry.IOCTypeHash, Value: strings.Repeat("a", 64)}, "/api/v1/indicators/file/" + strings.Repeat("a", 64) + "/general"},
	}

	for _, tt := range tests {
		t.Run(tt.ioc.String(), func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Path
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			provider := newTestOTXProvider(t, server.URL)
			if _, err := provider.Lookup(context.Background(), tt.ioc); err != nil {
				t.Fatalf("Lookup should succeed: %v", err)
			}
			if got != tt.path {
				t.Errorf("expected path %s, got %s", tt.path, got)
			}
		})
	}
}

// TestLookup_UnsupportedType verifies identities are rejected without a call.
func TestLookup_UnsupportedType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for unsupported type")
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	if provider.Supports(telemetry.IOCTypeIdentity) {
		t.Error("OTX should not support identities")
	}

	_, err := provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeIdentity, Value: "root"})
	if !errors.Is(err, ErrUnsupportedIOC) {
		t.Errorf("expected ErrUnsupportedIOC, got %v", err)
	}

	_, err = provider.Lookup(context.Background(), telemetry.IOC{Type: telemetry.IOCTypeHash, Value: "abc"})
	if !errors.Is(err, ErrUnsupportedIOC) {
		t.Errorf("expected ErrUnsupportedIOC for odd hash length, got %v", err)
	}
}

// TestLookup_ContextCancellation verifies lookups honor the caller's context.
func TestLookup_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	provider := newTestOTXProvider(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := provider.Lookup(ctx, telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "192.0.2.1"}); err == nil {
		t.Error("Lookup should fail when the context expires")
	}
}

// =============================================================================
// Helper Function Tests
// =============================================================================

// TestDetermineThreatType verifies tag to threat type mapping.
func TestDetermineThreatType(t *testing.T) {
	p := &OTXProvider{}

	tests := []struct {
		tags     []string
		expected ThreatType
	}{
		{[]string{"Malware", "trojan"}, ThreatTypeMalware},
		{[]string{"c2", "cobalt strike"}, ThreatTypeC2},
		{[]string{"phishing"}, ThreatTypePhishing},
		{[]string{"botnet"}, ThreatTypeBotnet},
		{[]string{"port scan"}, ThreatTypeScanner},
		{[]string{"ransomware", "malware"}, ThreatTypeRansomware},
		{[]string{"misc"}, ThreatTypeUnknown},
		{nil, ThreatTypeUnknown},
	}

	for _, tt := range tests {
		got := p.determineThreatType(OTXPulse{Tags: tt.tags})
		if got != tt.expected {
			t.Errorf("determineThreatType(%v) = %s, want %s", tt.tags, got, tt.expected)
		}
	}
}

// TestDetermineSeverity verifies tag and adversary based severity.
func TestDetermineSeverity(t *testing.T) {
	p := &OTXProvider{}

	tests := []struct {
		pulse    OTXPulse
		expected string
	}{
		{OTXPulse{Tags: []string{"APT29"}}, "critical"},
		{OTXPulse{Tags: []string{"ransomware"}}, "critical"},
		{OTXPulse{Tags: []string{"malware"}}, "high"},
		{OTXPulse{Tags: []string{"phishing"}}, "medium"},
		{OTXPulse{Adversary: "Lazarus"}, "high"},
		{OTXPulse{}, "low"},
	}

	for _, tt := range tests {
		got := p.determineSeverity(tt.pulse)
		if got != tt.expected {
			t.Errorf("determineSeverity(%+v) = %s, want %s", tt.pulse, got, tt.expected)
		}
	}
}

// TestCalculateConfidence verifies pulse count to confidence mapping.
func TestCalculateConfidence(t *testing.T) {
	p := &OTXProvider{}

	tests := []struct {
		count    int
		expected float64
	}{
		{0, 0.5},
		{1, 0.65},
		{3, 0.75},
		{5, 0.85},
		{10, 0.95},
		{100, 0.95},
	}

	for _, tt := range tests {
		if got := p.calculateConfidence(tt.count); got != tt.expected {
			t.Errorf("calculateConfidence(%d) = %f, want %f", tt.count, got, tt.expected)
		}
	}
}

// TestDetectHashType verifies hash length detection.
func TestDetectHashType(t *testing.T) {
	tests := map[int]string{32: "MD5", 40: "SHA1", 64: "SHA256", 128: "", 10: ""}
	for n, want := range tests {
		if got := detectHashType(strings.Repeat("f", n)); got != want {
			t.Errorf("detectHashType(len %d) = %q, want %q", n, got, want)
		}
	}
}
