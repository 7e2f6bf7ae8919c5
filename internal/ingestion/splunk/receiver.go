// Package splunk accepts events over the Splunk HTTP Event Collector
// protocol so existing Splunk forwarders can feed the pipeline without
// reconfiguration.
package splunk

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HEC status codes used in responses.
const (
	codeSuccess      = 0
	codeInvalidToken = 4
	codeNoData       = 5
	codeInvalidData  = 6
	codeServerBusy   = 9
	codeInternal     = 8
	codeHealthy      = 17
)

// Handler errors the receiver maps onto HEC responses. Anything else is an
// internal error.
var (
	ErrInvalidData = errors.New("invalid data format")
	ErrServerBusy  = errors.New("server is busy")
)

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Payload returns the event body as an object. String bodies, as sent to the
// raw endpoint, are decoded as JSON.
func (e HECEvent) Payload() (map[string]any, error) {
	switch v := e.Event.(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil || m == nil || dec.More() {
			return nil, fmt.Errorf("%w: event is not a JSON object", ErrInvalidData)
		}
		return m, nil
	case nil:
		return nil, fmt.Errorf("%w: event field is required", ErrInvalidData)
	default:
		return nil, fmt.Errorf("%w: event is not a JSON object", ErrInvalidData)
	}
}

// HECReceiver receives events via the Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	mu      sync.RWMutex
	stats   ReceiverStats
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger) *HECReceiver {
	d := DefaultReceiverConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = d.MaxBatchSize
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = d.MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  logger.Named("hec-receiver"),
	}
}

// Routes returns the collector endpoints, to be mounted at /services/collector.
func (r *HECReceiver) Routes() chi.Router {
	router := chi.NewRouter()
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeResponse(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		return
	}

	r.process(w, req, events, len(body))
}

func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeResponse(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	q := req.URL.Query()
	events := []HECEvent{{
		Event:      string(body),
		SourceType: q.Get("sourcetype"),
		Source:     q.Get("source"),
		Host:       q.Get("host"),
		Index:      q.Get("index"),
	}}

	r.process(w, req, events, len(body))
}

func (r *HECReceiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, "HEC is healthy", codeHealthy)
}

func (r *HECReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, "Error reading body", codeInvalidData)
		return nil, false
	}
	if len(body) > r.config.MaxEventSize {
		writeResponse(w, http.StatusRequestEntityTooLarge, "Request too large", codeInvalidData)
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeResponse(w, http.StatusBadRequest, "No data", codeNoData)
		return nil, false
	}
	return body, true
}

func (r *HECReceiver) process(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler == nil {
		writeResponse(w, http.StatusOK, "Success", codeSuccess)
		return
	}

	if err := r.handler(req.Context(), events); err != nil {
		r.mu.Lock()
		r.stats.EventsDropped += int64(len(events))
		r.mu.Unlock()

		r.logger.Warn("Failed to process HEC events",
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, ErrInvalidData):
			writeResponse(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		case errors.Is(err, ErrServerBusy):
			writeResponse(w, http.StatusServiceUnavailable, "Server is busy", codeServerBusy)
		default:
			writeResponse(w, http.StatusInternalServerError, "Error processing events", codeInternal)
		}
		return
	}

	writeResponse(w, http.StatusOK, "Success", codeSuccess)
}

// validateToken checks the HEC token. Requests are rejected when no token is
// configured, and only the Authorization header is honoured.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// parseEvents parses an HEC event body: a single JSON object or a stream of
// concatenated/newline-delimited objects. Event numbers are kept as
// json.Number so large integer ids are not rounded.
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	for decoder.More() {
		if len(events) >= r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}
	return events, nil
}

type hecResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

func writeResponse(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(hecResponse{Text: text, Code: code})
}
