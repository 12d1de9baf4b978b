// Package validation collects per-field input problems so callers can report
// every one of them at once.
package validation

import (
	"sort"
	"strings"
	"time"
)

// Violations maps a field name to the reason it was rejected.
type Violations map[string]string

// Add records a violation for field unless one is already present.
func (v Violations) Add(field, reason string) {
	if _, ok := v[field]; ok {
		return
	}
	v[field] = reason
}

// Required records a violation when value is blank.
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "is required")
	}
}

// OneOf records a violation when a non-blank value is outside allowed.
func OneOf(field, value string, allowed []string, v Violations) {
	if strings.TrimSpace(value) == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.Add(field, "must be one of "+strings.Join(allowed, ", "))
}

// Layout records a violation when a non-blank value does not parse with the time layout.
func Layout(field, value, layout, hint string, v Violations) {
	if strings.TrimSpace(value) == "" {
		return
	}
	if _, err := time.Parse(layout, value); err != nil {
		v.Add(field, "must be formatted as "+hint)
	}
}

// Err returns nil when v is empty and an *Error otherwise.
func (v Violations) Err() error {
	if len(v) == 0 {
		return nil
	}
	copied := make(Violations, len(v))
	for k, r := range v {
		copied[k] = r
	}
	return &Error{Violations: copied}
}

// Error is returned when one or more fields are invalid.
type Error struct {
	Violations Violations
}

func (e *Error) Error() string {
	fields := e.Fields()
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+" "+e.Violations[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the rejected field names in sorted order.
func (e *Error) Fields() []string {
	out := make([]string, 0, len(e.Violations))
	for f := range e.Violations {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
