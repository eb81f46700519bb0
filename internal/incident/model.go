package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/incidentd/internal/alert"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means firing and not yet picked up by a human
	StatusOpen Status = "open"

	// StatusAcknowledged means a human is working on it
	StatusAcknowledged Status = "acknowledged"

	// StatusResolved means finished, either by recovery or by hand
	StatusResolved Status = "resolved"
)

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not one of open, acknowledged, resolved", s)}
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Active reports whether s still blocks a new incident for the same fingerprint.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged
}

// Incident is the unit of tracked work.
type Incident struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Service     string         `json:"service"`
	Environment string         `json:"environment"`
	Severity    alert.Severity `json:"severity"`
	Status      Status         `json:"status"`
	Assignee    string         `json:"assignee,omitempty"`
	SourceAlert map[string]any `json:"source_alert,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	RunbookURL  string         `json:"runbook_url,omitempty"`
	AlertCount  int            `json:"alert_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	if i.SourceAlert != nil {
		cp.SourceAlert, _ = cloneValue(i.SourceAlert).(map[string]any)
	}
	return &cp
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// Mutation changes an incident inside a store's atomic update. Returning an
// error aborts the update without writing anything.
type Mutation func(inc *Incident) error

const (
	// DefaultListLimit applies when a ListFilter has no limit
	DefaultListLimit = 100

	// MaxListLimit caps any requested limit
	MaxListLimit = 500
)

// ListFilter selects incidents. Zero-valued fields match everything.
type ListFilter struct {
	Service     string
	Environment string
	Status      Status
	Severity    alert.Severity
	Fingerprint string
	Limit       int
}

// EffectiveLimit clamps Limit into 1..MaxListLimit.
func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// Matches reports whether inc satisfies the filter (ignoring Limit).
func (f ListFilter) Matches(inc *Incident) bool {
	switch {
	case f.Service != "" && inc.Service != f.Service:
		return false
	case f.Environment != "" && inc.Environment != f.Environment:
		return false
	case f.Status != "" && inc.Status != f.Status:
		return false
	case f.Severity != "" && inc.Severity != f.Severity:
		return false
	case f.Fingerprint != "" && inc.Fingerprint != f.Fingerprint:
		return false
	}
	return true
}

// stampResolution matches the microsecond precision of Postgres timestamps.
const stampResolution = time.Microsecond

// NextStamp returns the updated_at value for a mutation happening at now,
// strictly after prev even if the clock has not advanced or went backwards.
func NextStamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(stampResolution)
	if !now.After(prev) {
		return prev.Add(stampResolution)
	}
	return now
}

// CheckInvariants validates an incident before a store persists it.
func CheckInvariants(inc *Incident) error {
	if !inc.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", inc.Status)}
	}
	if inc.Severity != "" && !inc.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", inc.Severity)}
	}
	if inc.UpdatedAt.Before(inc.CreatedAt) {
		return &ValidationError{Field: "updated_at", Reason: "before created_at"}
	}
	return nil
}
