package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

func sampleAlert() alert.Alert {
	ioc := telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "203.0.113.7"}
	return alert.Alert{
		Fingerprint: "0123456789abcdef0123456789abcdef",
		Source:      "wazuh",
		EventType:   "authentication_failure",
		Severity:    15,
		Message:     "sshd: brute force",
		PrimaryIOC:  &ioc,
		IOCs:        []telemetry.IOC{ioc},
		Score:       scoring.Score{Base: 60, Intel: 36, Final: 96},
		Category:    scoring.CategoryCritical,
		Status:      alert.StatusScored,
		Occurrences: 1,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Webhook notifier
// =============================================================================

func TestWebhookNotifier_PostsMessage(t *testing.T) {
	var got webhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, Channel: "#soc"})
	require.NoError(t, err)
	require.NoError(t, n.Execute(context.Background(), sampleAlert()))

	assert.Equal(t, "#soc", got.Channel)
	assert.Contains(t, got.Text, "[CRITICAL]")
	assert.Contains(t, got.Text, "ip:203.0.113.7")
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "sshd: brute force", got.Attachments[0].Text)
}

func TestWebhookNotifier_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL})
			require.NoError(t, err)

			err = n.Execute(context.Background(), sampleAlert())
			var ae *ActionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.status, ae.StatusCode)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestWebhookNotifier_UnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: url})
	require.NoError(t, err)
	err = n.Execute(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Ticket creator
// =============================================================================

func TestTicketCreator_SendsTicket(t *testing.T) {
	t.Setenv("TEST_TICKET_TOKEN", "tk-123")

	var got TicketRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tk-123", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	tc, err := NewTicketCreator(TicketConfig{URL: server.URL, TokenEnv: "TEST_TICKET_TOKEN", Project: "SOC"})
	require.NoError(t, err)
	require.NoError(t, tc.Execute(context.Background(), sampleAlert()))

	assert.Equal(t, "SOC", got.Project)
	assert.Equal(t, "P1", got.Priority)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", got.ExternalID)
	assert.Contains(t, got.Labels, "critical")
	assert.Equal(t, scoring.ActionTicket, tc.Kind())
}

// =============================================================================
// Splunk HEC forwarder
// =============================================================================

func TestNewHECSender_RequiresTokenAndURL(t *testing.T) {
	t.Setenv("TEST_HEC_OUT", "")
	_, err := NewHECSender(HECSenderConfig{HECURL: "http://splunk", TokenEnv: "TEST_HEC_OUT"})
	assert.Error(t, err)

	t.Setenv("TEST_HEC_OUT", "secret")
	_, err = NewHECSender(HECSenderConfig{TokenEnv: "TEST_HEC_OUT"})
	assert.Error(t, err)
}

func TestHECSender_ForwardsAlert(t *testing.T) {
	t.Setenv("TEST_HEC_OUT", "secret")

	var got HECEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/collector/event", r.URL.Path)
		assert.Equal(t, "Splunk secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	defer server.Close()

	cfg := DefaultHECSenderConfig()
	cfg.HECURL = server.URL + "/"
	cfg.TokenEnv = "TEST_HEC_OUT"
	s, err := NewHECSender(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Execute(context.Background(), sampleAlert()))
	assert.Equal(t, "alertforge:alert", got.SourceType)
	assert.Equal(t, "CRITICAL", got.Fields["category"])
	assert.EqualValues(t, 96, got.Fields["risk_score"])
	assert.EqualValues(t, 1, s.Stats().EventsSent)
}

func TestHECSender_NonZeroCodeFails(t *testing.T) {
	t.Setenv("TEST_HEC_OUT", "secret")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"Incorrect index","code":7}`))
	}))
	defer server.Close()

	s, err := NewHECSender(HECSenderConfig{HECURL: server.URL, TokenEnv: "TEST_HEC_OUT"})
	require.NoError(t, err)

	err = s.Execute(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, s.Stats().EventsFailed)
}

func TestHECSender_HealthCheck(t *testing.T) {
	t.Setenv("TEST_HEC_OUT", "secret")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewHECSender(HECSenderConfig{HECURL: server.URL, TokenEnv: "TEST_HEC_OUT"})
	require.NoError(t, err)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
