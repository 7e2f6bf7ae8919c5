// Package telemetry defines the security event shapes that flow through the
// alert pipeline: the opaque vendor payload as received, the canonical
// normalized event, and the indicators of compromise extracted from it.
package telemetry

import (
	"math"
	"time"
)

// Vendor identifies the payload family a raw event was recognized as.
type Vendor string

const (
	VendorRuleBased   Vendor = "rule_based"    // Wazuh/OSSEC style rule alerts
	VendorFlatEvent   Vendor = "flat_eventtype" // EDR style flat records keyed by eventType
	VendorGeneric     Vendor = "generic"        // custom emitters using the documented schema
	VendorUnspecified Vendor = ""
)

// RawEvent is an opaque vendor payload as received. It is never mutated
// after receipt.
type RawEvent struct {
	Payload        map[string]interface{} `json:"payload"`
	ReceivedAt     time.Time              `json:"received_at"`
	DeclaredVendor string                 `json:"declared_vendor,omitempty"` // informational only
}

// NormalizedEvent is the canonical form every vendor payload is mapped to.
type NormalizedEvent struct {
	Source    string    `json:"source"`
	Vendor    Vendor    `json:"vendor"`
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type"`
	Severity  int       `json:"severity"` // 0-15
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	ActorIP   string    `json:"actor_ip,omitempty"`
	ActorUser string    `json:"actor_user,omitempty"`
	Hashes    []string  `json:"hashes,omitempty"`
	Domains   []string  `json:"domains,omitempty"`
	Raw       *RawEvent `json:"-"`
}

// Severity bounds of the canonical scale.
const (
	MinSeverity = 0
	MaxSeverity = 15
)

// ClampSeverity forces v into the canonical 0-15 range.
func ClampSeverity(v int) int {
	if v < MinSeverity {
		return MinSeverity
	}
	if v > MaxSeverity {
		return MaxSeverity
	}
	return v
}

// SeverityFromFloat rounds x onto the canonical scale. Out-of-range values,
// infinities included, are clamped before conversion so they cannot overflow.
func SeverityFromFloat(x float64) int {
	if math.IsNaN(x) {
		return MinSeverity
	}
	return int(math.Round(math.Max(MinSeverity, math.Min(MaxSeverity, x))))
}

// IOCType is the kind of an indicator of compromise.
type IOCType string

const (
	IOCTypeIP       IOCType = "ip"
	IOCTypeDomain   IOCType = "domain"
	IOCTypeHash     IOCType = "hash"
	IOCTypeIdentity IOCType = "identity"
)

// IOC is an observable that can be looked up against reputation providers.
// It is comparable and used directly as a map key.
type IOC struct {
	Type  IOCType `json:"type"`
	Value string  `json:"value"`
}

func (i IOC) String() string {
	return string(i.Type) + ":" + i.Value
}

// IsZero reports whether the IOC is unset.
func (i IOC) IsZero() bool {
	return i.Type == "" && i.Value == ""
}
