package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/tathienbao/ordertask/internal/types"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordHostCall records one host call and its synchronous outcome.
func (r *Recorder) RecordHostCall(family types.Family, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	HostCallsTotal.WithLabelValues(family.String(), outcome).Inc()
	HostCallLatency.Observe(duration.Seconds())
}

// RecordEventIngested records an event read from the host stream.
func (r *Recorder) RecordEventIngested(kind types.EventKind) {
	EventsIngested.WithLabelValues(kind.String()).Inc()
}

// RecordEventRouted records an event delivered to a pending registration.
func (r *Recorder) RecordEventRouted(family types.Family) {
	EventsRouted.WithLabelValues(family.String()).Inc()
}

// RecordEventDropped records an event the gateway did not deliver.
func (r *Recorder) RecordEventDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordPendingRegistrations records the live registration count.
func (r *Recorder) RecordPendingRegistrations(n int) {
	PendingRegistrations.Set(float64(n))
}

// RecordGatewayRunning records gateway lifecycle state.
func (r *Recorder) RecordGatewayRunning(running bool) {
	if running {
		GatewayRunning.Set(1)
	} else {
		GatewayRunning.Set(0)
	}
}

// RecordRetry records a call being re-issued.
func (r *Recorder) RecordRetry(family types.Family) {
	RetriesTotal.WithLabelValues(family.String()).Inc()
}

// RecordTask records a finished task.
func (r *Recorder) RecordTask(operation string, err error, duration time.Duration) {
	TaskOutcome.WithLabelValues(operation, Outcome(err)).Inc()
	TaskDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHostStatus records host connection status.
func (r *Recorder) RecordHostStatus(connected bool) {
	if connected {
		HostConnected.Set(1)
	} else {
		HostConnected.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Outcome classifies a task error for labelling.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case types.IsReject(err):
		return "rejected"
	case types.IsHostError(err):
		return "host_error"
	case isCanceled(err):
		return "canceled"
	default:
		return "error"
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
