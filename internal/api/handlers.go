package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/ingestion/splunk"
	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeStoreError maps alert store failures onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var storeErr *alert.StoreError
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "alert not found")
	case errors.Is(err, alert.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &storeErr):
		s.logger.Error("Alert store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "alert store unavailable")
	default:
		s.logger.Error("Unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeObject reads a JSON object body. Numbers are kept as json.Number so
// large integer ids survive intact.
func decodeObject(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("malformed JSON: trailing data after object")
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	declared := r.Header.Get("X-Vendor")
	if declared == "" {
		declared = r.URL.Query().Get("vendor")
	}
	raw := &telemetry.RawEvent{
		Payload:        payload,
		ReceivedAt:     time.Now().UTC(),
		DeclaredVendor: declared,
	}

	out, err := s.deps.Processor.Process(r.Context(), raw)
	if err != nil {
		var verr *normalization.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "validation_failed", verr.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HECHandler feeds HEC events through the processor one at a time. Events
// processed before a failure stay processed.
func HECHandler(p Processor) splunk.EventHandler {
	return func(ctx context.Context, events []splunk.HECEvent) error {
		for i, ev := range events {
			payload, err := ev.Payload()
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}

			received := time.Now().UTC()
			if ev.Time > 0 {
				sec := int64(ev.Time)
				received = time.Unix(sec, int64((ev.Time-float64(sec))*1e9)).UTC()
			}

			_, err = p.Process(ctx, &telemetry.RawEvent{
				Payload:        payload,
				ReceivedAt:     received,
				DeclaredVendor: ev.SourceType,
			})
			var verr *normalization.ValidationError
			switch {
			case err == nil:
			case errors.As(err, &verr):
				return fmt.Errorf("event %d: %w: %s", i, splunk.ErrInvalidData, verr.Error())
			default:
				return fmt.Errorf("event %d: %w: %s", i, splunk.ErrServerBusy, err.Error())
			}
		}
		return nil
	}
}

type alertList struct {
	Alerts []alert.Alert `json:"alerts"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter alert.ListFilter

	if v := q.Get("status"); v != "" {
		st, err := alert.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		filter.Status = st
	}
	if v := q.Get("category"); v != "" {
		c, err := scoring.ParseCategory(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_category", err.Error())
			return
		}
		filter.Category = c
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	alerts, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertList{Alerts: alerts, Count: len(alerts), Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusUpdate struct {
	Status     string  `json:"status"`
	AssignedTo *string `json:"assigned_to"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	to, err := alert.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	if !alert.OperatorSettable(to) {
		writeError(w, http.StatusConflict, "invalid_transition",
			fmt.Sprintf("status %s cannot be set by an operator", to))
		return
	}
	if req.AssignedTo != nil {
		trimmed := strings.TrimSpace(*req.AssignedTo)
		req.AssignedTo = &trimmed
	}

	fingerprint := chi.URLParam(r, "fingerprint")
	a, err := s.deps.Store.Transition(r.Context(), fingerprint, to, req.AssignedTo)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("Alert status changed",
		zap.String("fingerprint", fingerprint),
		zap.String("status", string(a.Status)),
	)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"providers": []string{}, "breakers": []any{}}
	if s.deps.Providers != nil {
		resp["providers"] = s.deps.Providers.Providers()
		resp["breakers"] = s.deps.Providers.Breakers()
	}
	if s.deps.HEC != nil {
		resp["hec"] = s.deps.HEC.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
