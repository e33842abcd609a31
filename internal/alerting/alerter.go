// Package alerting notifies operators about failed order workflows and host
// connectivity.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter sends alerts to one channel.
type Alerter interface {
	// Alert sends message with key/value fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// FormatFields renders key/value fields one per line. A trailing key without
// a value and non-string keys are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %v", key, fields[i+1])
	}
	return b.String()
}

// AlertEvent names an alert-worthy occurrence.
type AlertEvent string

const (
	EventTaskFailed       AlertEvent = "task_failed"
	EventTaskRejected     AlertEvent = "task_rejected"
	EventHostDisconnected AlertEvent = "host_disconnected"
	EventHostConnected    AlertEvent = "host_connected"
	EventEngineStarted    AlertEvent = "engine_started"
	EventEngineStopped    AlertEvent = "engine_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventTaskFailed, EventHostDisconnected:
		return SeverityHigh
	case EventTaskRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EventFilter reports whether an event should be sent. A nil filter allows
// everything.
type EventFilter map[AlertEvent]bool

// NewEventFilter builds a filter from event names. No names means no
// filtering.
func NewEventFilter(names []string) EventFilter {
	if len(names) == 0 {
		return nil
	}
	f := make(EventFilter, len(names))
	for _, n := range names {
		f[AlertEvent(n)] = true
	}
	return f
}

// Allows reports whether event passes the filter.
func (f EventFilter) Allows(event AlertEvent) bool {
	return f == nil || f[event]
}
