package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tathienbao/ordertask/internal/types"
)

func TestRecorder_RecordHostCall(t *testing.T) {
	r := NewRecorder()

	okBefore := testutil.ToFloat64(HostCallsTotal.WithLabelValues("set_sl", "ok"))
	errBefore := testutil.ToFloat64(HostCallsTotal.WithLabelValues("set_sl", "error"))

	r.RecordHostCall(types.FamilySL, nil, time.Millisecond)
	r.RecordHostCall(types.FamilySL, nil, time.Millisecond)
	r.RecordHostCall(types.FamilySL, errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(HostCallsTotal.WithLabelValues("set_sl", "ok")) - okBefore; got != 2 {
		t.Errorf("ok calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(HostCallsTotal.WithLabelValues("set_sl", "error")) - errBefore; got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
}

func TestRecorder_RecordEvents(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(EventsDropped.WithLabelValues("unmatched"))
	r.RecordEventIngested(types.EventChangedSL)
	r.RecordEventRouted(types.FamilySL)
	r.RecordEventDropped("unmatched")

	if got := testutil.ToFloat64(EventsDropped.WithLabelValues("unmatched")) - before; got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRecorder_Gauges(t *testing.T) {
	r := NewRecorder()

	r.RecordPendingRegistrations(3)
	if got := testutil.ToFloat64(PendingRegistrations); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}

	r.RecordGatewayRunning(true)
	if got := testutil.ToFloat64(GatewayRunning); got != 1 {
		t.Errorf("gateway running = %v, want 1", got)
	}
	r.RecordGatewayRunning(false)
	if got := testutil.ToFloat64(GatewayRunning); got != 0 {
		t.Errorf("gateway running = %v, want 0", got)
	}

	r.RecordHostStatus(true)
	if got := testutil.ToFloat64(HostConnected); got != 1 {
		t.Errorf("host connected = %v, want 1", got)
	}
}

func TestRecorder_RecordTask(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(TaskOutcome.WithLabelValues("merge_position", "rejected"))
	reject := &types.RejectError{Event: types.OrderEvent{Kind: types.EventMergeRejected}}
	r.RecordTask("merge_position", fmt.Errorf("merge: %w", reject), 5*time.Millisecond)

	if got := testutil.ToFloat64(TaskOutcome.WithLabelValues("merge_position", "rejected")) - before; got != 1 {
		t.Errorf("rejected outcomes = %v, want 1", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"reject", &types.RejectError{}, "rejected"},
		{"host", &types.HostError{Family: types.FamilyClose, Err: errors.New("x")}, "host_error"},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), "canceled"},
		{"deadline", context.DeadlineExceeded, "canceled"},
		{"other", types.ErrDuplicateRegistration, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.err); got != tt.want {
				t.Errorf("Outcome() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRecorder_RecordRetryAndError(t *testing.T) {
	r := NewRecorder()

	r.RecordRetry(types.FamilyMerge)
	r.RecordError("composition")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	if elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, expected >= 10ms", elapsed)
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "abc123", "2026-01-01")

	if got := testutil.ToFloat64(BuildInfo.WithLabelValues("1.0.0", "abc123", "2026-01-01")); got != 1 {
		t.Errorf("build info = %v, want 1", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		HostCallsTotal,
		HostCallLatency,
		EventsIngested,
		EventsRouted,
		EventsDropped,
		PendingRegistrations,
		GatewayRunning,
		RetriesTotal,
		TaskOutcome,
		TaskDuration,
		HostConnected,
		ErrorsTotal,
		BuildInfo,
	}

	for _, m := range metrics {
		if m == nil {
			t.Error("metric is nil")
		}
	}
}
