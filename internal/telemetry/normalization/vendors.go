package normalization

import (
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// strategy recognizes and normalizes one payload family.
type strategy interface {
	Vendor() telemetry.Vendor
	Matches(payload map[string]interface{}) bool
	Normalize(raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error)
}

// ruleBased handles Wazuh/OSSEC style alerts, where the detection rule is a
// nested object carrying a 0-15 level.
type ruleBased struct{}

func (ruleBased) Vendor() telemetry.Vendor { return telemetry.VendorRuleBased }

func (ruleBased) Matches(payload map[string]interface{}) bool {
	rule, ok := payload["rule"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = number(rule["level"])
	return ok
}

func (ruleBased) Normalize(raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error) {
	p := raw.Payload
	level, _ := lookup(p, "rule.level")
	sev, _ := number(level)

	eventType := ""
	if groups, ok := lookup(p, "rule.groups"); ok {
		if gs, ok := groups.([]interface{}); ok && len(gs) > 0 {
			if g, ok := gs[0].(string); ok {
				eventType = g
			}
		}
	}
	if eventType == "" {
		if id := str(p, "rule.id"); id != "" {
			eventType = "rule_" + id
		} else {
			eventType = "rule"
		}
	}

	msg := str(p, "rule.description")
	if full := str(p, "full_log"); full != "" {
		if msg != "" {
			msg += ": "
		}
		msg += full
	}

	source := strings.ToLower(str(p, "source", "decoder.parent", "decoder.name"))
	if source == "" {
		source = "wazuh"
	}

	return telemetry.NormalizedEvent{
		Source:    source,
		Vendor:    telemetry.VendorRuleBased,
		EventID:   str(p, "id", "_id"),
		EventType: strings.ToLower(eventType),
		Severity:  telemetry.SeverityFromFloat(sev),
		Timestamp: timestamp(p, raw.ReceivedAt, "timestamp", "@timestamp"),
		Message:   msg,
		ActorIP:   str(p, "data.srcip", "srcip", "data.src_ip"),
		ActorUser: str(p, "data.srcuser", "data.dstuser", "dstuser"),
		Hashes:    collect(p, "syscheck.sha256_after", "syscheck.sha1_after", "syscheck.md5_after", "data.sha256"),
		Domains:   collect(p, "data.domain", "data.hostname"),
		Raw:       raw,
	}, nil
}

// flatEvent handles EDR style flat records identified by a top-level
// eventType. Severity arrives on a 0-100 scale or as a named level.
type flatEvent struct{}

func (flatEvent) Vendor() telemetry.Vendor { return telemetry.VendorFlatEvent }

func (flatEvent) Matches(payload map[string]interface{}) bool {
	s, ok := payload["eventType"].(string)
	return ok && strings.TrimSpace(s) != ""
}

func (flatEvent) Normalize(raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error) {
	p := raw.Payload

	v, ok := lookup(p, "severity")
	if !ok {
		v, ok = lookup(p, "severityName")
	}
	if !ok {
		return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorFlatEvent), Field: "severity", Reason: "is required"}
	}
	var sev int
	if s, isStr := v.(string); isStr {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			v = n
		}
	}
	if n, isNum := number(v); isNum {
		sev = telemetry.SeverityFromFloat(n * telemetry.MaxSeverity / 100)
	} else if s, isStr := v.(string); isStr {
		named, known := severityFromName(s)
		if !known {
			return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorFlatEvent), Field: "severity", Reason: "unrecognized level " + s}
		}
		sev = named
	} else {
		return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorFlatEvent), Field: "severity", Reason: "must be a number or string"}
	}

	source := strings.ToLower(str(p, "vendor", "product"))
	if source == "" {
		source = "edr"
	}

	return telemetry.NormalizedEvent{
		Source:    source,
		Vendor:    telemetry.VendorFlatEvent,
		EventID:   str(p, "eventId", "id"),
		EventType: strings.ToLower(str(p, "eventType")),
		Severity:  telemetry.ClampSeverity(sev),
		Timestamp: timestamp(p, raw.ReceivedAt, "timestamp", "eventTime"),
		Message:   str(p, "description", "message"),
		ActorIP:   str(p, "sourceIp", "srcIp", "localIp"),
		ActorUser: str(p, "userName", "user"),
		Hashes:    collect(p, "sha256", "md5", "fileHash"),
		Domains:   collect(p, "domain", "hostname"),
		Raw:       raw,
	}, nil
}

const genericSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["source", "event_type", "severity"],
	"properties": {
		"source": {"type": "string", "minLength": 1},
		"event_type": {"type": "string", "minLength": 1},
		"severity": {"type": ["number", "string"]},
		"event_id": {"type": ["string", "number"]},
		"message": {"type": "string"},
		"actor_ip": {"type": "string"},
		"actor_user": {"type": "string"}
	}
}`

// generic is the fallback for custom emitters. It only accepts payloads that
// satisfy the documented schema.
type generic struct {
	schema *jsonschema.Schema
}

func newGeneric() (*generic, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("generic.json", strings.NewReader(genericSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("generic.json")
	if err != nil {
		return nil, err
	}
	return &generic{schema: schema}, nil
}

func (*generic) Vendor() telemetry.Vendor { return telemetry.VendorGeneric }

func (*generic) Matches(map[string]interface{}) bool { return true }

func (g *generic) Normalize(raw *telemetry.RawEvent) (telemetry.NormalizedEvent, error) {
	p := raw.Payload
	if err := g.schema.Validate(map[string]interface{}(p)); err != nil {
		field, reason := describeSchemaError(err)
		return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorGeneric), Field: field, Reason: reason}
	}

	var sev int
	v := p["severity"]
	if n, ok := number(v); ok {
		sev = telemetry.SeverityFromFloat(n)
	} else if s, ok := v.(string); ok {
		named, known := severityFromName(s)
		if !known {
			return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorGeneric), Field: "severity", Reason: "unrecognized level " + s}
		}
		sev = named
	} else {
		return telemetry.NormalizedEvent{}, &ValidationError{Vendor: string(telemetry.VendorGeneric), Field: "severity", Reason: "must be a number or string"}
	}

	return telemetry.NormalizedEvent{
		Source:    strings.ToLower(str(p, "source")),
		Vendor:    telemetry.VendorGeneric,
		EventID:   str(p, "event_id", "id"),
		EventType: strings.ToLower(str(p, "event_type")),
		Severity:  telemetry.ClampSeverity(sev),
		Timestamp: timestamp(p, raw.ReceivedAt, "timestamp", "time"),
		Message:   str(p, "message", "description"),
		ActorIP:   str(p, "actor_ip", "src_ip"),
		ActorUser: str(p, "actor_user", "user"),
		Hashes:    collect(p, "hash", "file_hash"),
		Domains:   collect(p, "domain"),
		Raw:       raw,
	}, nil
}

// describeSchemaError flattens the innermost schema failure into a field
// name and a readable reason.
func describeSchemaError(err error) (string, string) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	field := strings.TrimPrefix(verr.InstanceLocation, "/")
	return field, verr.Message
}
