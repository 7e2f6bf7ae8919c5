package normalization

import "fmt"

// ValidationError reports a payload that no vendor strategy can accept. It is
// a client error: never retried, never persisted.
type ValidationError struct {
	Vendor string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s event: %s", e.Vendor, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: %s: %s", e.Vendor, e.Field, e.Reason)
}
