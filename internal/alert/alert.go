// Package alert turns vendor-shaped monitoring alert payloads (Alertmanager
// webhooks or single alert objects) into the fixed-shape Normalized record the
// incident engine consumes.
package alert

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the firing state reported by the monitoring system.
type Status string

const (
	// StatusFiring means the underlying condition is active
	StatusFiring Status = "firing"

	// StatusResolved means the underlying condition has recovered
	StatusResolved Status = "resolved"
)

// Severity is the incident severity derived from an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
)

// ParseSeverity maps a raw severity label onto a known Severity.
// Unknown values map to SeverityInfo so upstream senders are never rejected
// for using their own severity vocabulary.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityWarning:
		return SeverityWarning
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo, SeverityLow:
		return true
	}
	return false
}

// Normalized is the canonical form of one inbound alert.
type Normalized struct {
	Fingerprint string
	Service     string
	Environment string
	Severity    Severity
	Title       string
	RunbookURL  string
	Status      Status
	Labels      map[string]string

	// Raw is the alert object exactly as received, kept for traceability.
	Raw map[string]any
}

// ErrMalformed is returned when a payload is not a JSON object at all.
var ErrMalformed = errors.New("malformed alert payload")

// ValidationError reports a payload that parsed but cannot become an alert.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s: %s", e.Field, e.Reason)
}
