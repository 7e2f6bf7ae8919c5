package actions

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

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/scoring"
)

// Sink performs one kind of side effect for an alert. Execute makes a single
// attempt; the dispatcher owns retries and timeouts.
type Sink interface {
	Name() string
	Kind() scoring.ActionKind
	Execute(ctx context.Context, a alert.Alert) error
}

const maxErrorBody = 512

func doJSON(ctx context.Context, client *http.Client, sink, method, url string, header http.Header, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ActionError{Sink: sink, Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return &ActionError{Sink: sink, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return transportError(sink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(sink, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		// Sinks that answer with an empty body are still successful.
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return &ActionError{Sink: sink, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func summary(a alert.Alert) string {
	ioc := "none"
	if a.PrimaryIOC != nil {
		ioc = a.PrimaryIOC.String()
	}
	return fmt.Sprintf("[%s] %s from %s (score %d, ioc %s)", a.Category, a.EventType, a.Source, a.Score.Final, ioc)
}

// ===========================================================================
// Webhook notifier
// ===========================================================================

// WebhookConfig configures the chat-style notification sink.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// WebhookNotifier posts Slack-compatible messages.
type WebhookNotifier struct {
	config     WebhookConfig
	httpClient *http.Client
}

type webhookMessage struct {
	Text        string              `json:"text"`
	Channel     string              `json:"channel,omitempty"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text,omitempty"`
	Fields []webhookField `json:"fields"`
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewWebhookNotifier creates a notifier posting to config.URL.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	return &WebhookNotifier{config: config, httpClient: &http.Client{}}, nil
}

func (w *WebhookNotifier) Name() string             { return "webhook" }
func (w *WebhookNotifier) Kind() scoring.ActionKind { return scoring.ActionNotify }

// Execute posts one message describing the alert.
func (w *WebhookNotifier) Execute(ctx context.Context, a alert.Alert) error {
	fields := []webhookField{
		{Title: "Fingerprint", Value: a.Fingerprint, Short: false},
		{Title: "Score", Value: fmt.Sprintf("%d (base %d, intel %d)", a.Score.Final, a.Score.Base, a.Score.Intel), Short: true},
		{Title: "Severity", Value: fmt.Sprintf("%d", a.Severity), Short: true},
		{Title: "Occurrences", Value: fmt.Sprintf("%d", a.Occurrences), Short: true},
	}
	if a.PrimaryIOC != nil {
		fields = append(fields, webhookField{Title: "Primary IOC", Value: a.PrimaryIOC.String(), Short: true})
	}

	msg := webhookMessage{
		Text:    summary(a),
		Channel: w.config.Channel,
		Attachments: []webhookAttachment{{
			Color:  categoryColor(a.Category),
			Title:  fmt.Sprintf("%s alert: %s", a.Category, a.EventType),
			Text:   a.Message,
			Fields: fields,
		}},
	}
	return doJSON(ctx, w.httpClient, w.Name(), http.MethodPost, w.config.URL, nil, msg, nil)
}

func categoryColor(c scoring.Category) string {
	switch c {
	case scoring.CategoryCritical:
		return "#8b0000"
	case scoring.CategoryHigh:
		return "danger"
	case scoring.CategoryMedium:
		return "warning"
	default:
		return "good"
	}
}

// ===========================================================================
// Ticket creator
// ===========================================================================

// TicketConfig configures the ticketing sink.
type TicketConfig struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
	Project  string `yaml:"project"`
}

// TicketCreator opens a ticket for an alert through a JSON HTTP API.
type TicketCreator struct {
	config     TicketConfig
	httpClient *http.Client
}

// TicketRequest is the body sent to the ticketing API.
type TicketRequest struct {
	Project     string         `json:"project,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	ExternalID  string         `json:"external_id"`
	Labels      []string       `json:"labels"`
	Details     map[string]any `json:"details"`
}

// NewTicketCreator creates a ticket sink.
func NewTicketCreator(config TicketConfig) (*TicketCreator, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("ticket URL is required")
	}
	return &TicketCreator{config: config, httpClient: &http.Client{}}, nil
}

func (t *TicketCreator) Name() string             { return "ticket" }
func (t *TicketCreator) Kind() scoring.ActionKind { return scoring.ActionTicket }

// Execute opens one ticket. The fingerprint is sent as external_id so the
// ticketing system can deduplicate repeated escalations.
func (t *TicketCreator) Execute(ctx context.Context, a alert.Alert) error {
	header := http.Header{}
	if t.config.TokenEnv != "" {
		if token := os.Getenv(t.config.TokenEnv); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	labels := []string{"alertforge", strings.ToLower(string(a.Category)), a.Source}
	details := map[string]any{
		"fingerprint": a.Fingerprint,
		"score":       a.Score,
		"iocs":        a.IOCs,
		"occurrences": a.Occurrences,
		"created_at":  a.CreatedAt.Format(time.RFC3339),
	}

	req := TicketRequest{
		Project:     t.config.Project,
		Title:       summary(a),
		Description: a.Message,
		Priority:    ticketPriority(a.Category),
		ExternalID:  a.Fingerprint,
		Labels:      labels,
		Details:     details,
	}
	return doJSON(ctx, t.httpClient, t.Name(), http.MethodPost, t.config.URL, header, req, nil)
}

func ticketPriority(c scoring.Category) string {
	switch c {
	case scoring.CategoryCritical:
		return "P1"
	case scoring.CategoryHigh:
		return "P2"
	case scoring.CategoryMedium:
		return "P3"
	default:
		return "P4"
	}
}
