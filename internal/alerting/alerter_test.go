package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatFields(t *testing.T) {
	tests := []struct {
		name   string
		fields []any
		want   string
	}{
		{"empty", nil, ""},
		{"single", []any{"order_id", "o-1"}, "- order_id: o-1"},
		{"multiple", []any{"stage", "merge", "attempt", 2}, "- stage: merge\n- attempt: 2"},
		{"odd", []any{"stage", "merge", "orphan"}, "- stage: merge"},
		{"non-string key", []any{1, "x", "k", "v"}, "- k: v"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatFields(tt.fields...); got != tt.want {
				t.Errorf("FormatFields() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  Severity
	}{
		{EventTaskFailed, SeverityHigh},
		{EventHostDisconnected, SeverityHigh},
		{EventTaskRejected, SeverityWarning},
		{EventEngineStarted, SeverityInfo},
		{AlertEvent("unknown"), SeverityInfo},
	}

	for _, tt := range tests {
		if got := EventSeverity(tt.event); got != tt.want {
			t.Errorf("EventSeverity(%s) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestConsoleAlerter(t *testing.T) {
	alerter := NewConsoleAlerter(nil)
	if alerter.Name() != "console" {
		t.Errorf("Name() = %q", alerter.Name())
	}
	if err := alerter.Alert(context.Background(), SeverityCritical, "test", "k", "v"); err != nil {
		t.Errorf("Alert() error = %v", err)
	}
}

func TestMultiAlerter(t *testing.T) {
	mock1 := NewMockAlerter()
	mock2 := NewMockAlerter()
	multi := NewMultiAlerter(nil, mock1, mock2)

	if err := multi.Alert(context.Background(), SeverityWarning, "broadcast"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if mock1.Count() != 1 || mock2.Count() != 1 {
		t.Errorf("counts = %d, %d, want 1, 1", mock1.Count(), mock2.Count())
	}

	mock3 := NewMockAlerter()
	multi.AddAlerter(mock3)
	_ = multi.Alert(context.Background(), SeverityHigh, "another")
	if mock3.Count() != 1 {
		t.Errorf("mock3 count = %d, want 1", mock3.Count())
	}
}

func TestMultiAlerter_JoinsFailures(t *testing.T) {
	ok := NewMockAlerter()
	broken := NewMockAlerter()
	broken.FailWith(errors.New("channel down"))
	multi := NewMultiAlerter(nil, ok, broken)

	err := multi.Alert(context.Background(), SeverityHigh, "x")
	if err == nil || !strings.Contains(err.Error(), "channel down") {
		t.Fatalf("Alert() error = %v, want channel down", err)
	}
	if ok.Count() != 1 {
		t.Error("healthy channel did not receive the alert")
	}
}

func TestMultiAlerter_AlertEventFilter(t *testing.T) {
	mock := NewMockAlerter()
	multi := NewMultiAlerter(nil, mock)
	multi.SetFilter(NewEventFilter([]string{"task_failed"}))

	if err := multi.AlertEvent(context.Background(), EventEngineStarted, "started"); err != nil {
		t.Fatalf("AlertEvent() error = %v", err)
	}
	if mock.Count() != 0 {
		t.Errorf("filtered event delivered")
	}

	if err := multi.AlertEvent(context.Background(), EventTaskFailed, "failed"); err != nil {
		t.Fatalf("AlertEvent() error = %v", err)
	}
	last := mock.LastAlert()
	if last == nil || last.Severity != SeverityHigh {
		t.Fatalf("last alert = %+v", last)
	}
	if v, ok := last.Field("event"); !ok || v != "task_failed" {
		t.Errorf("event field = %v", v)
	}
}

func TestTaskAlerter(t *testing.T) {
	mock := NewMockAlerter()
	a := NewTaskAlerter(NewMultiAlerter(nil, mock), nil, nil)

	reject := &types.RejectError{Event: types.OrderEvent{Kind: types.EventMergeRejected}}
	tests := []struct {
		name      string
		task      *task.Task
		wantAlert bool
		wantSev   Severity
	}{
		{"success", task.Resolved("close_position", nil, nil), false, 0},
		{"not watched", task.Resolved("set_sl", nil, errors.New("x")), false, 0},
		{"failure", task.Resolved("close_position", nil, &types.StageError{Stage: "close", Err: errors.New("x")}), true, SeverityHigh},
		{"reject", task.Resolved("merge_position", nil, &types.StageError{Stage: "merge", Err: reject}), true, SeverityWarning},
		{"canceled", task.Resolved("close_position", nil, context.Canceled), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := mock.Count()
			a.TaskStarted(tt.task)
			a.TaskFinished(tt.task)

			if got := mock.Count() > before; got != tt.wantAlert {
				t.Fatalf("alerted = %v, want %v", got, tt.wantAlert)
			}
			if !tt.wantAlert {
				return
			}
			last := mock.LastAlert()
			if last.Severity != tt.wantSev {
				t.Errorf("severity = %v, want %v", last.Severity, tt.wantSev)
			}
			if v, _ := last.Field("operation"); v != tt.task.Operation() {
				t.Errorf("operation field = %v", v)
			}
			if _, ok := last.Field("stage"); !ok {
				t.Error("stage field missing")
			}
		})
	}
}

func TestTelegramAlerter(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := NewTelegramAlerter(TelegramConfig{BotToken: "token", ChatID: "42", APIURL: srv.URL})
	if err := a.Alert(context.Background(), SeverityHigh, "order task failed", "stage", "merge"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	if path != "/bottoken/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got.ChatID != "42" || !strings.Contains(got.Text, "[HIGH]") || !strings.Contains(got.Text, "- stage: merge") {
		t.Errorf("message = %+v", got)
	}
}

func TestTelegramAlerter_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	a := NewTelegramAlerter(TelegramConfig{BotToken: "token", ChatID: "1", APIURL: srv.URL})
	err := a.Alert(context.Background(), SeverityInfo, "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Alert() error = %v, want chat not found", err)
	}
}
