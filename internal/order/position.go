package order

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// PositionSource resolves the orders of an instrument at call time.
type PositionSource interface {
	FilledOrders(instrument string) []types.Order
	OpenedOrders(instrument string) []types.Order
	Instruments() []string
}

// PositionCallbacks are invoked per instrument by position tasks.
type PositionCallbacks struct {
	OnStart    func(instrument string)
	OnComplete func(instrument string, events []types.OrderEvent)
	OnError    func(instrument string, err error)
}

// MergePositionParams configures a position merge.
type MergePositionParams struct {
	Label      string // generated when empty
	Retry      task.RetryPolicy
	CancelMode BatchMode
	PositionCallbacks
}

// ClosePositionParams configures a position close.
type ClosePositionParams struct {
	MergeLabel  string // generated when empty
	Price       decimal.Decimal
	Retry       task.RetryPolicy
	CancelMode  BatchMode
	CloseOpened bool // also close the instrument's unfilled orders
	PositionCallbacks
}

// PositionTask merges and closes whole positions.
type PositionTask struct {
	positions PositionSource
	basic     *BasicTask
	batch     *BatchTask
	merge     *MergeTask
	logger    *slog.Logger
}

// NewPositionTask creates a new position task runner.
func NewPositionTask(positions PositionSource, basic *BasicTask, batch *BatchTask, merge *MergeTask, logger *slog.Logger) *PositionTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &PositionTask{
		positions: positions,
		basic:     basic,
		batch:     batch,
		merge:     merge,
		logger:    logger,
	}
}

// MergePosition merges the filled orders of instrument. With fewer than two
// filled orders it is a no-op.
func (p *PositionTask) MergePosition(ctx context.Context, instrument string, params MergePositionParams) *task.Task {
	return task.Go(ctx, "merge_position", func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		return p.runWithCallbacks(instrument, params.PositionCallbacks, func() ([]types.OrderEvent, error) {
			ev, merged, err := p.mergePosition(ctx, instrument, params.Label, params.Retry, params.CancelMode, emit)
			if err != nil || !merged {
				return nil, err
			}
			return []types.OrderEvent{ev}, nil
		})
	})
}

// MergeAllPositions merges every instrument's position concurrently. One
// instrument's failure does not stop the others; all failures are returned.
func (p *PositionTask) MergeAllPositions(ctx context.Context, factory func(instrument string) MergePositionParams) *task.Task {
	return p.forAll(ctx, "merge_all_positions", func(ctx context.Context, instrument string) *task.Task {
		return p.MergePosition(ctx, instrument, factory(instrument))
	})
}

// ClosePosition closes the filled orders of instrument. A single order is
// closed directly; several are merged first and the merged order is closed.
// The close is skipped if the merge fails or leaves nothing open.
func (p *PositionTask) ClosePosition(ctx context.Context, instrument string, params ClosePositionParams) *task.Task {
	return task.Go(ctx, "close_position", func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		return p.runWithCallbacks(instrument, params.PositionCallbacks, func() ([]types.OrderEvent, error) {
			return p.closePosition(ctx, instrument, params, emit)
		})
	})
}

// CloseAllPositions closes every instrument's position concurrently.
func (p *PositionTask) CloseAllPositions(ctx context.Context, factory func(instrument string) ClosePositionParams) *task.Task {
	return p.forAll(ctx, "close_all_positions", func(ctx context.Context, instrument string) *task.Task {
		return p.ClosePosition(ctx, instrument, factory(instrument))
	})
}

func (p *PositionTask) mergePosition(ctx context.Context, instrument, label string, retry task.RetryPolicy, mode BatchMode, emit func(types.OrderEvent)) (types.OrderEvent, bool, error) {
	filled := p.positions.FilledOrders(instrument)
	if len(filled) < 2 {
		p.logger.Debug("nothing to merge", "instrument", instrument, "filled", len(filled))
		return types.OrderEvent{}, false, nil
	}
	if label == "" {
		label = NewMergeLabel(instrument)
	}

	ev, err := p.merge.run(ctx, label, filled, MergeOptions{Retry: retry, CancelMode: mode}, emit)
	if err != nil {
		return types.OrderEvent{}, false, err
	}
	return ev, true, nil
}

func (p *PositionTask) closePosition(ctx context.Context, instrument string, params ClosePositionParams, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
	var events []types.OrderEvent

	filled := p.positions.FilledOrders(instrument)
	var target types.Order
	switch len(filled) {
	case 0:
	case 1:
		target = filled[0]
	default:
		ev, _, err := p.mergePosition(ctx, instrument, params.MergeLabel, params.Retry, params.CancelMode, emit)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		if ev.Kind != types.EventMergeCloseOK {
			target = ev.Order
		}
	}

	if target != nil {
		closeParams, err := NewParams(ClosePayload{Order: target, Price: params.Price}, WithRetry(params.Retry))
		if err != nil {
			return nil, &types.StageError{Stage: StageClose, Err: err}
		}
		closeTask := p.basic.Run(ctx, closeParams)
		closeTask.OnEvent(emit)
		closed, err := closeTask.Wait(ctx)
		if err != nil {
			return nil, &types.StageError{Stage: StageClose, Err: err}
		}
		events = append(events, closed...)
	}

	if params.CloseOpened {
		opened := p.positions.OpenedOrders(instrument)
		closeOpened := func(o types.Order) (Params, error) {
			return NewParams(ClosePayload{Order: o}, WithRetry(params.Retry))
		}
		closed, err := p.batch.Run(ctx, opened, closeOpened, Concurrent, emit)
		if err != nil {
			return nil, &types.StageError{Stage: StageOpened, Err: err}
		}
		events = append(events, closed...)
	}

	p.logger.Info("position closed", "instrument", instrument, "filled", len(filled), "events", len(events))
	return events, nil
}

func (p *PositionTask) runWithCallbacks(instrument string, cb PositionCallbacks, fn func() ([]types.OrderEvent, error)) ([]types.OrderEvent, error) {
	if cb.OnStart != nil {
		cb.OnStart(instrument)
	}
	events, err := fn()
	if err != nil {
		p.logger.Error("position task failed", "instrument", instrument, "err", err)
		if cb.OnError != nil {
			cb.OnError(instrument, err)
		}
		return nil, err
	}
	if cb.OnComplete != nil {
		cb.OnComplete(instrument, events)
	}
	return events, nil
}

func (p *PositionTask) forAll(ctx context.Context, operation string, start func(ctx context.Context, instrument string) *task.Task) *task.Task {
	instruments := p.positions.Instruments()
	sort.Strings(instruments)

	return task.Go(ctx, operation, func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		var mu sync.Mutex
		results := make([][]types.OrderEvent, len(instruments))

		wp := pool.New().WithErrors()
		for i, instrument := range instruments {
			child := start(ctx, instrument)
			child.OnEvent(emit)
			wp.Go(func() error {
				events, err := child.Wait(ctx)
				if err != nil {
					return &types.StageError{Stage: instrument, Err: err}
				}
				mu.Lock()
				results[i] = events
				mu.Unlock()
				return nil
			})
		}
		if err := wp.Wait(); err != nil {
			return nil, err
		}
		return flatten(results), nil
	})
}
