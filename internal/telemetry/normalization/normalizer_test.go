package normalization

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

var receivedAt = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(zaptest.NewLogger(t))
	require.NoError(t, err)
	return n
}

func raw(payload map[string]interface{}) *telemetry.RawEvent {
	return &telemetry.RawEvent{Payload: payload, ReceivedAt: receivedAt}
}

func wazuhAlert() map[string]interface{} {
	return map[string]interface{}{
		"id":        "1710408600.123456",
		"timestamp": "2025-03-14T09:29:58.000+0000",
		"rule": map[string]interface{}{
			"id":          "5712",
			"level":       10.0,
			"description": "sshd: brute force trying to get access to the system",
			"groups":      []interface{}{"authentication_failures", "sshd"},
		},
		"agent":    map[string]interface{}{"name": "bastion-01"},
		"data":     map[string]interface{}{"srcip": "203.0.113.7", "srcuser": "root"},
		"full_log": "Failed password for root from 203.0.113.7 port 52211 ssh2",
	}
}

func TestDetect_OrderedChain(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, telemetry.VendorRuleBased, n.Detect(wazuhAlert()))
	assert.Equal(t, telemetry.VendorFlatEvent, n.Detect(map[string]interface{}{"eventType": "ProcessRollup", "severity": 50.0}))
	assert.Equal(t, telemetry.VendorGeneric, n.Detect(map[string]interface{}{"foo": "bar"}))

	// a rule object without a numeric level is not rule-based
	assert.Equal(t, telemetry.VendorFlatEvent, n.Detect(map[string]interface{}{
		"rule":      map[string]interface{}{"level": "high"},
		"eventType": "Detection",
	}))
}

func TestNormalize_RuleBased(t *testing.T) {
	n := newTestNormalizer(t)

	ev, err := n.Normalize(raw(wazuhAlert()))
	require.NoError(t, err)

	assert.Equal(t, telemetry.VendorRuleBased, ev.Vendor)
	assert.Equal(t, "wazuh", ev.Source)
	assert.Equal(t, "1710408600.123456", ev.EventID)
	assert.Equal(t, "authentication_failures", ev.EventType)
	assert.Equal(t, 10, ev.Severity)
	assert.Equal(t, "203.0.113.7", ev.ActorIP)
	assert.Equal(t, "root", ev.ActorUser)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 29, 58, 0, time.UTC), ev.Timestamp)
	assert.Contains(t, ev.Message, "brute force")
	assert.Contains(t, ev.Message, "port 52211")
}

func TestNormalize_RuleBasedClampsLevel(t *testing.T) {
	n := newTestNormalizer(t)

	p := wazuhAlert()
	p["rule"].(map[string]interface{})["level"] = 42.0
	ev, err := n.Normalize(raw(p))
	require.NoError(t, err)
	assert.Equal(t, 15, ev.Severity)

	p["rule"].(map[string]interface{})["level"] = -3.0
	ev, err = n.Normalize(raw(p))
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Severity)

	p["rule"].(map[string]interface{})["level"] = 1e19
	ev, err = n.Normalize(raw(p))
	require.NoError(t, err)
	assert.Equal(t, 15, ev.Severity, "levels beyond int range still clamp high")

	p["rule"].(map[string]interface{})["level"] = -1e19
	ev, err = n.Normalize(raw(p))
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Severity)
}

func TestNormalize_FlatEventType(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name     string
		severity interface{}
		want     int
	}{
		{"numeric 0-100", 80.0, 12},
		{"numeric max", 100.0, 15},
		{"numeric above range", 250.0, 15},
		{"named critical", "Critical", 15},
		{"named informational", "informational", 2},
		{"numeric string", "60", 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(raw(map[string]interface{}{
				"eventType":   "SuspiciousProcess",
				"eventId":     "ldt:abc:123",
				"severity":    tt.severity,
				"vendor":      "CrowdStrike",
				"sourceIp":    "198.51.100.23",
				"userName":    "jdoe",
				"sha256":      "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855",
				"description": "powershell spawned by winword.exe",
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Severity)
			assert.Equal(t, "crowdstrike", ev.Source)
			assert.Equal(t, "suspiciousprocess", ev.EventType)
			assert.Equal(t, "ldt:abc:123", ev.EventID)
			assert.Equal(t, []string{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}, ev.Hashes)
			assert.Equal(t, receivedAt, ev.Timestamp)
		})
	}
}

func TestNormalize_FlatEventTypeMissingSeverity(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(raw(map[string]interface{}{"eventType": "Detection"}))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "severity", verr.Field)
}

func TestNormalize_Generic(t *testing.T) {
	n := newTestNormalizer(t)

	ev, err := n.Normalize(raw(map[string]interface{}{
		"source":     "Custom-IDS",
		"event_type": "port_scan",
		"severity":   20.0,
		"actor_ip":   "192.0.2.10",
		"message":    "scan detected from 192.0.2.10 towards evil.example.com",
		"timestamp":  1710408600.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, telemetry.VendorGeneric, ev.Vendor)
	assert.Equal(t, "custom-ids", ev.Source)
	assert.Equal(t, "port_scan", ev.EventType)
	assert.Equal(t, 15, ev.Severity, "out-of-range severity is clamped, not rejected")
	assert.Equal(t, time.Unix(1710408600, 0).UTC(), ev.Timestamp)

	for _, huge := range []interface{}{1e20, json.Number("1e400"), "1e20"} {
		ev, err := n.Normalize(raw(map[string]interface{}{
			"source":     "s",
			"event_type": "t",
			"severity":   huge,
		}))
		require.NoError(t, err, "severity %v", huge)
		assert.Equal(t, 15, ev.Severity, "severity %v", huge)
	}
}

func TestNormalize_GenericMissingRequiredFields(t *testing.T) {
	n := newTestNormalizer(t)

	payloads := []map[string]interface{}{
		{"foo": "bar"},
		{"source": "x", "event_type": "y"},
		{"source": "x", "severity": 3.0},
		{"source": "", "event_type": "y", "severity": 3.0},
		{"source": "x", "event_type": "y", "severity": true},
		{"source": "x", "event_type": "y", "severity": "apocalyptic"},
	}

	for _, p := range payloads {
		_, err := n.Normalize(raw(p))
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "payload %v should be rejected", p)
	}
}

func TestNormalize_EmptyPayload(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(raw(nil))
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestNormalize_Idempotent(t *testing.T) {
	n := newTestNormalizer(t)

	for _, p := range []map[string]interface{}{
		wazuhAlert(),
		{"eventType": "Detection", "severity": "high", "sourceIp": "10.0.0.1"},
		{"source": "s", "event_type": "t", "severity": 5.0, "hash": "d41d8cd98f00b204e9800998ecf8427e"},
	} {
		r := raw(p)
		first, err := n.Normalize(r)
		require.NoError(t, err)
		second, err := n.Normalize(r)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}
