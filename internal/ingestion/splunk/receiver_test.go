package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testToken = "secret-token-123"

func newReceiver(t *testing.T, handler EventHandler) *HECReceiver {
	t.Helper()
	t.Setenv("TEST_HEC_TOKEN", testToken)
	return NewHECReceiver(ReceiverConfig{
		TokenEnv:     "TEST_HEC_TOKEN",
		MaxEventSize: 1024 * 1024,
		MaxBatchSize: 1000,
	}, handler, nil)
}

func post(t *testing.T, r *HECReceiver, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	r.Routes().ServeHTTP(rr, req)
	return rr
}

func responseCode(t *testing.T, rr *httptest.ResponseRecorder) int {
	t.Helper()
	var resp hecResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not HEC JSON: %v (%s)", err, rr.Body.String())
	}
	return resp.Code
}

// TestValidateToken_EmptyTokenFailsClosed verifies requests are rejected when
// no token is configured.
func TestValidateToken_EmptyTokenFailsClosed(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN"}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("Authorization", "Splunk some-token")

	if receiver.validateToken(req) {
		t.Error("validateToken should return false when token env var is empty")
	}
}

// TestValidateToken_QueryParamRejected verifies tokens in the query string
// are not accepted.
func TestValidateToken_QueryParamRejected(t *testing.T) {
	receiver := newReceiver(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/event?token="+testToken, nil)
	if receiver.validateToken(req) {
		t.Error("validateToken should reject tokens passed via query parameter")
	}
}

func TestValidateToken_Header(t *testing.T) {
	receiver := newReceiver(t, nil)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "Splunk " + testToken, true},
		{"empty header", "", false},
		{"wrong prefix", "Bearer " + testToken, false},
		{"no prefix", testToken, false},
		{"wrong token", "Splunk wrong-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/event", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := receiver.validateToken(req); got != tt.want {
				t.Errorf("validateToken(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestParseEvents_MaxBatchSizeEnforced(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 5}, nil, nil)

	var events []string
	for i := 0; i < 10; i++ {
		events = append(events, `{"event":"test"}`)
	}

	_, err := receiver.parseEvents([]byte(strings.Join(events, "\n")))
	if err == nil {
		t.Fatal("parseEvents should return error when batch exceeds MaxBatchSize")
	}
	if !strings.Contains(err.Error(), "batch exceeds maximum size") {
		t.Errorf("error should mention batch size limit, got: %v", err)
	}
}

func TestParseEvents_Batches(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 10}, nil, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"single", `{"event":{"a":1},"host":"h1"}`, 1},
		{"newline delimited", "{\"event\":\"a\"}\n{\"event\":\"b\"}\n{\"event\":\"c\"}", 3},
		{"concatenated", `{"event":"a"}{"event":"b"}`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := receiver.parseEvents([]byte(tt.body))
			if err != nil {
				t.Fatalf("parseEvents: %v", err)
			}
			if len(parsed) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(parsed))
			}
		})
	}

	if _, err := receiver.parseEvents([]byte(`{"event":`)); err == nil {
		t.Error("truncated body should fail")
	}
}

func TestHECEvent_Payload(t *testing.T) {
	tests := []struct {
		name    string
		event   any
		wantErr bool
	}{
		{"object", map[string]any{"source": "x"}, false},
		{"json string", `{"source":"x"}`, false},
		{"plain string", "hello", true},
		{"number", 42.0, true},
		{"missing", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := HECEvent{Event: tt.event}.Payload()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidData) {
					t.Errorf("expected ErrInvalidData, got %v", err)
				}
				return
			}
			if err != nil || p["source"] != "x" {
				t.Errorf("Payload() = %v, %v", p, err)
			}
		})
	}
}

func TestParseEvents_KeepsLargeIntegerIDs(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{}, nil, nil)

	body := `{"event":{"event_id":9007199254740993}}{"event":"{\"event_id\":9007199254740992}"}`
	parsed, err := receiver.parseEvents([]byte(body))
	if err != nil {
		t.Fatalf("parseEvents: %v", err)
	}
	want := []string{"9007199254740993", "9007199254740992"}
	for i, ev := range parsed {
		p, err := ev.Payload()
		if err != nil {
			t.Fatalf("Payload(): %v", err)
		}
		id, ok := p["event_id"].(json.Number)
		if !ok || id.String() != want[i] {
			t.Errorf("event %d: event_id = %#v, want %s", i, p["event_id"], want[i])
		}
	}
}

func TestHandleEvent_AuthFailure(t *testing.T) {
	called := false
	receiver := newReceiver(t, func(context.Context, []HECEvent) error {
		called = true
		return nil
	})

	rr := post(t, receiver, "/event", `{"event":"test"}`, "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
	if code := responseCode(t, rr); code != codeInvalidToken {
		t.Errorf("expected HEC error code 4, got %d", code)
	}
	if called {
		t.Error("handler must not run for unauthenticated requests")
	}
}

func TestHandleEvent_Success(t *testing.T) {
	var received []HECEvent
	receiver := newReceiver(t, func(_ context.Context, events []HECEvent) error {
		received = events
		return nil
	})

	rr := post(t, receiver, "/event", `{"event":{"source":"edr"},"host":"myhost"}`, "Splunk "+testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if code := responseCode(t, rr); code != codeSuccess {
		t.Errorf("expected HEC code 0, got %d", code)
	}
	if len(received) != 1 || received[0].Host != "myhost" {
		t.Fatalf("unexpected events: %+v", received)
	}
}

func TestHandleEvent_HandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   int
	}{
		{"invalid data", fmt.Errorf("event 0: %w", ErrInvalidData), http.StatusBadRequest, codeInvalidData},
		{"busy", fmt.Errorf("store down: %w", ErrServerBusy), http.StatusServiceUnavailable, codeServerBusy},
		{"other", errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver := newReceiver(t, func(context.Context, []HECEvent) error { return tt.err })

			rr := post(t, receiver, "/event", `{"event":{}}`, "Splunk "+testToken)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if code := responseCode(t, rr); code != tt.wantCode {
				t.Errorf("expected HEC code %d, got %d", tt.wantCode, code)
			}
			if receiver.Stats().EventsDropped != 1 {
				t.Errorf("expected EventsDropped=1, got %d", receiver.Stats().EventsDropped)
			}
		})
	}
}

func TestHandleEvent_BodyLimits(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN", MaxEventSize: 32}, nil, nil)

	rr := post(t, receiver, "/event", `{"event":"`+strings.Repeat("x", 64)+`"}`, "Splunk "+testToken)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rr.Code)
	}

	rr = post(t, receiver, "/event", "   ", "Splunk "+testToken)
	if rr.Code != http.StatusBadRequest || responseCode(t, rr) != codeNoData {
		t.Errorf("expected no-data response, got %d %s", rr.Code, rr.Body.String())
	}
}

// TestHandleRaw_ErrorHandling verifies handler errors on the raw endpoint
// are propagated and counted.
func TestHandleRaw_ErrorHandling(t *testing.T) {
	handlerCalled := false
	receiver := newReceiver(t, func(context.Context, []HECEvent) error {
		handlerCalled = true
		return errors.New("processing failed")
	})

	rr := post(t, receiver, "/raw", `{"event": "test"}`, "Splunk "+testToken)

	if !handlerCalled {
		t.Error("handler should have been called")
	}
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if stats := receiver.Stats(); stats.EventsDropped != 1 {
		t.Errorf("expected EventsDropped=1, got %d", stats.EventsDropped)
	}
}

func TestHandleRaw_SuccessUpdatesStats(t *testing.T) {
	var got []HECEvent
	receiver := newReceiver(t, func(_ context.Context, events []HECEvent) error {
		got = events
		return nil
	})

	body := `{"source":"fw","event_type":"deny","severity":3}`
	req := httptest.NewRequest(http.MethodPost, "/raw?sourcetype=fw:json&host=edge1", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Splunk "+testToken)
	rr := httptest.NewRecorder()
	receiver.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(got) != 1 || got[0].SourceType != "fw:json" || got[0].Host != "edge1" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if p, err := got[0].Payload(); err != nil || p["event_type"] != "deny" {
		t.Errorf("Payload() = %v, %v", p, err)
	}

	stats := receiver.Stats()
	if stats.EventsReceived != 1 {
		t.Errorf("expected EventsReceived=1, got %d", stats.EventsReceived)
	}
	if stats.BytesReceived != int64(len(body)) {
		t.Errorf("expected BytesReceived=%d, got %d", len(body), stats.BytesReceived)
	}
}

func TestHandleHealth(t *testing.T) {
	receiver := newReceiver(t, nil)

	rr := httptest.NewRecorder()
	receiver.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || responseCode(t, rr) != codeHealthy {
		t.Errorf("unexpected health response %d %s", rr.Code, rr.Body.String())
	}
}

func TestReceiverStats_Concurrent(t *testing.T) {
	receiver := newReceiver(t, func(context.Context, []HECEvent) error { return nil })
	routes := receiver.Routes()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{"event":"test"}`))
			req.Header.Set("Authorization", "Splunk "+testToken)
			routes.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	if stats := receiver.Stats(); stats.EventsReceived != 100 {
		t.Errorf("expected EventsReceived=100, got %d", stats.EventsReceived)
	}
}
