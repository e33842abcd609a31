package alerting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// DefaultAlertOperations are the task operations TaskAlerter reports on by
// default.
var DefaultAlertOperations = []string{
	"cancel_sltp_and_merge",
	"merge_position",
	"merge_all_positions",
	"close_position",
	"close_all_positions",
}

// TaskAlerter alerts on failed order tasks. It is registered as an observer
// on the order facade.
type TaskAlerter struct {
	alerter    *MultiAlerter
	operations map[string]bool
	timeout    time.Duration
	logger     *slog.Logger
}

// NewTaskAlerter creates a task alerter for operations. No operations means
// DefaultAlertOperations.
func NewTaskAlerter(alerter *MultiAlerter, operations []string, logger *slog.Logger) *TaskAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	if len(operations) == 0 {
		operations = DefaultAlertOperations
	}
	ops := make(map[string]bool, len(operations))
	for _, op := range operations {
		ops[op] = true
	}
	return &TaskAlerter{
		alerter:    alerter,
		operations: ops,
		timeout:    10 * time.Second,
		logger:     logger,
	}
}

// TaskStarted is a no-op.
func (a *TaskAlerter) TaskStarted(*task.Task) {}

// TaskFinished alerts if t failed. Cancelled tasks are not reported.
func (a *TaskAlerter) TaskFinished(t *task.Task) {
	if !a.operations[t.Operation()] || t.Canceled() {
		return
	}
	err := t.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	event := EventTaskFailed
	if types.IsReject(err) {
		event = EventTaskRejected
	}

	fields := []any{"operation", t.Operation(), "task_id", t.ID(), "err", err.Error()}
	var stage *types.StageError
	if errors.As(err, &stage) {
		fields = append(fields, "stage", stage.Stage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.alerter.AlertEvent(ctx, event, "order task failed", fields...); err != nil {
		a.logger.Warn("task alert not delivered", "task_id", t.ID(), "err", err)
	}
}
