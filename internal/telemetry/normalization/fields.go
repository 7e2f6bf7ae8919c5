package normalization

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// lookup resolves a dotted path such as "data.srcip" inside a decoded JSON
// object.
func lookup(payload map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// str returns the first non-empty string found at any of the given paths.
// Numbers are rendered without exponent so numeric ids stay stable.
func str(payload map[string]interface{}, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(payload, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return ""
}

// number converts a decoded JSON value to float64.
func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		// out-of-range literals come back as +-Inf with ErrRange
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil || errors.Is(err, strconv.ErrRange)
	}
	return 0, false
}

// namedSeverity maps the textual severities vendors commonly emit onto the
// canonical 0-15 scale.
var namedSeverity = map[string]int{
	"informational": 2,
	"info":          2,
	"low":           4,
	"medium":        8,
	"moderate":      8,
	"high":          12,
	"critical":      15,
}

func severityFromName(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := namedSeverity[s]; ok {
		return v, true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return telemetry.SeverityFromFloat(n), true
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// timestamp parses the first usable timestamp at the given paths. Epoch
// values above 1e12 are taken as milliseconds.
func timestamp(payload map[string]interface{}, fallback time.Time, paths ...string) time.Time {
	for _, p := range paths {
		v, ok := lookup(payload, p)
		if !ok {
			continue
		}
		if n, ok := number(v); ok && !math.IsInf(n, 0) {
			if n > 1e12 {
				return time.UnixMilli(int64(n)).UTC()
			}
			return time.Unix(int64(n), 0).UTC()
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return fallback.UTC()
}

// collect gathers distinct non-empty strings from the given paths, keeping
// first-seen order.
func collect(payload map[string]interface{}, paths ...string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range paths {
		s := strings.ToLower(str(payload, p))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
