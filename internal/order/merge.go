package order

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// Pipeline stage names reported in StageError.
const (
	StageCancelSL = "cancel_sl"
	StageCancelTP = "cancel_tp"
	StageMerge    = "merge"
	StageClose    = "close"
	StageOpened   = "close_opened"
)

// MergeOptions configures the cancel-SL/TP-and-merge pipeline.
type MergeOptions struct {
	Retry      task.RetryPolicy
	CancelMode BatchMode // mode of the SL and TP cancel batches
	OnEvent    func(types.OrderEvent)
}

// NewMergeLabel returns a unique merge label for instrument.
func NewMergeLabel(instrument string) string {
	prefix := "merge"
	if instrument != "" {
		prefix += "-" + sanitizeLabel(instrument)
	}
	return prefix + "-" + uuid.New().String()[:8]
}

func sanitizeLabel(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		}
	}
	return string(out)
}

// MergeTask runs the cancel-SL/TP-and-merge pipeline.
type MergeTask struct {
	basic  *BasicTask
	batch  *BatchTask
	logger *slog.Logger
}

// NewMergeTask creates a new merge pipeline runner.
func NewMergeTask(basic *BasicTask, batch *BatchTask, logger *slog.Logger) *MergeTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &MergeTask{basic: basic, batch: batch, logger: logger}
}

// CancelSLTPAndMerge cancels the stop losses of orders, then their take
// profits, then merges them under label. Each stage starts only after the
// previous one fully succeeded. A failure aborts the remaining stages and is
// returned as a StageError.
func (m *MergeTask) CancelSLTPAndMerge(ctx context.Context, label string, orders []types.Order, opts MergeOptions) *task.Task {
	tk := task.Go(ctx, "cancel_sltp_and_merge", func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		ev, err := m.run(ctx, label, orders, opts, emit)
		if err != nil {
			return nil, err
		}
		return []types.OrderEvent{ev}, nil
	})
	if opts.OnEvent != nil {
		tk.OnEvent(opts.OnEvent)
	}
	return tk
}

// run executes the pipeline and returns the merge event.
func (m *MergeTask) run(ctx context.Context, label string, orders []types.Order, opts MergeOptions, emit func(types.OrderEvent)) (types.OrderEvent, error) {
	merge, err := NewParams(MergePayload{Label: label, Orders: orders}, WithRetry(opts.Retry))
	if err != nil {
		return types.OrderEvent{}, &types.StageError{Stage: StageMerge, Err: err}
	}

	cancelSL := func(o types.Order) (Params, error) {
		return NewParams(StopLossPayload{Order: o, Price: types.NoStopLoss}, WithRetry(opts.Retry))
	}
	if _, err := m.batch.Run(ctx, orders, cancelSL, opts.CancelMode, emit); err != nil {
		m.logger.Error("cancel stop loss stage failed", "label", label, "err", err)
		return types.OrderEvent{}, &types.StageError{Stage: StageCancelSL, Err: err}
	}

	cancelTP := func(o types.Order) (Params, error) {
		return NewParams(TakeProfitPayload{Order: o, Price: types.NoTakeProfit}, WithRetry(opts.Retry))
	}
	if _, err := m.batch.Run(ctx, orders, cancelTP, opts.CancelMode, emit); err != nil {
		m.logger.Error("cancel take profit stage failed", "label", label, "err", err)
		return types.OrderEvent{}, &types.StageError{Stage: StageCancelTP, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return types.OrderEvent{}, err
	}

	mergeTask := m.basic.Run(ctx, merge)
	mergeTask.OnEvent(emit)
	events, err := mergeTask.Wait(ctx)
	if err != nil {
		m.logger.Error("merge stage failed", "label", label, "err", err)
		return types.OrderEvent{}, &types.StageError{Stage: StageMerge, Err: err}
	}

	m.logger.Info("orders merged", "label", label, "orders", len(orders), "kind", events[0].Kind)
	return events[0], nil
}
