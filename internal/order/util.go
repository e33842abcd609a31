package order

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// Observer is notified when a Util task starts and when it resolves.
type Observer interface {
	TaskStarted(t *task.Task)
	TaskFinished(t *task.Task)
}

// Util is the entry point for order operations. Every method returns a task
// whose work has already started.
type Util struct {
	basic    *BasicTask
	batch    *BatchTask
	merge    *MergeTask
	position *PositionTask
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu        sync.RWMutex
	observers []Observer
}

// NewUtil wires the task runners over runner, host and positions.
func NewUtil(runner Runner, host Host, positions PositionSource, logger *slog.Logger) *Util {
	if logger == nil {
		logger = slog.Default()
	}
	basic := NewBasicTask(runner, host, logger)
	batch := NewBatchTask(basic, logger)
	merge := NewMergeTask(basic, batch, logger)
	return &Util{
		basic:    basic,
		batch:    batch,
		merge:    merge,
		position: NewPositionTask(positions, basic, batch, merge, logger),
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// AddObserver adds an observer for tasks started after the call.
func (u *Util) AddObserver(o Observer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.observers = append(u.observers, o)
}

// Run issues the operation described by p.
func (u *Util) Run(ctx context.Context, p Params) *task.Task {
	return u.observe(u.basic.Run(ctx, p))
}

// Submit submits a new order.
func (u *Util) Submit(ctx context.Context, params types.OrderParams, opts ...Option) *task.Task {
	return u.single(ctx, SubmitPayload{Order: params}, opts)
}

// Merge merges orders under label.
func (u *Util) Merge(ctx context.Context, label string, orders []types.Order, opts ...Option) *task.Task {
	return u.single(ctx, MergePayload{Label: label, Orders: orders}, opts)
}

// Close closes amount of order at price. A zero amount closes all of it; a
// zero price closes at market.
func (u *Util) Close(ctx context.Context, order types.Order, amount, price decimal.Decimal, opts ...Option) *task.Task {
	return u.single(ctx, ClosePayload{Order: order, Amount: amount, Price: price}, opts)
}

// SetLabel renames order.
func (u *Util) SetLabel(ctx context.Context, order types.Order, label string, opts ...Option) *task.Task {
	return u.single(ctx, LabelPayload{Order: order, Label: label}, opts)
}

// SetGoodTillTime changes the good-till time of an unfilled order.
func (u *Util) SetGoodTillTime(ctx context.Context, order types.Order, gtt time.Time, opts ...Option) *task.Task {
	return u.single(ctx, GTTPayload{Order: order, GTT: gtt}, opts)
}

// SetRequestedAmount changes the amount of an unfilled order.
func (u *Util) SetRequestedAmount(ctx context.Context, order types.Order, amount decimal.Decimal, opts ...Option) *task.Task {
	return u.single(ctx, AmountPayload{Order: order, Amount: amount}, opts)
}

// SetOpenPrice changes the open price of an unfilled order.
func (u *Util) SetOpenPrice(ctx context.Context, order types.Order, price decimal.Decimal, opts ...Option) *task.Task {
	return u.single(ctx, OpenPricePayload{Order: order, Price: price}, opts)
}

// SetStopLoss sets the stop loss of order. types.NoStopLoss cancels it.
func (u *Util) SetStopLoss(ctx context.Context, order types.Order, price decimal.Decimal, opts ...Option) *task.Task {
	return u.single(ctx, StopLossPayload{Order: order, Price: price}, opts)
}

// SetTakeProfit sets the take profit of order. types.NoTakeProfit cancels it.
func (u *Util) SetTakeProfit(ctx context.Context, order types.Order, price decimal.Decimal, opts ...Option) *task.Task {
	return u.single(ctx, TakeProfitPayload{Order: order, Price: price}, opts)
}

// SetStopLossForPips sets the stop loss pips away from the open price.
func (u *Util) SetStopLossForPips(ctx context.Context, order types.Order, pips decimal.Decimal, opts ...Option) *task.Task {
	payload, err := StopLossForPips(order, pips)
	if err != nil {
		return u.failed(OpSetSL, err)
	}
	return u.single(ctx, payload, opts)
}

// SetTakeProfitForPips sets the take profit pips away from the open price.
func (u *Util) SetTakeProfitForPips(ctx context.Context, order types.Order, pips decimal.Decimal, opts ...Option) *task.Task {
	payload, err := TakeProfitForPips(order, pips)
	if err != nil {
		return u.failed(OpSetTP, err)
	}
	return u.single(ctx, payload, opts)
}

// CancelStopLosses removes the stop loss of every order.
func (u *Util) CancelStopLosses(ctx context.Context, orders []types.Order, mode BatchMode, opts ...Option) *task.Task {
	return u.observe(u.batch.Apply(ctx, "cancel_stop_losses", orders, func(o types.Order) (Params, error) {
		return NewParams(StopLossPayload{Order: o, Price: types.NoStopLoss}, opts...)
	}, mode))
}

// CancelTakeProfits removes the take profit of every order.
func (u *Util) CancelTakeProfits(ctx context.Context, orders []types.Order, mode BatchMode, opts ...Option) *task.Task {
	return u.observe(u.batch.Apply(ctx, "cancel_take_profits", orders, func(o types.Order) (Params, error) {
		return NewParams(TakeProfitPayload{Order: o, Price: types.NoTakeProfit}, opts...)
	}, mode))
}

// CloseOrders fully closes every order at market.
func (u *Util) CloseOrders(ctx context.Context, orders []types.Order, mode BatchMode, opts ...Option) *task.Task {
	return u.observe(u.batch.Apply(ctx, "close_orders", orders, func(o types.Order) (Params, error) {
		return NewParams(ClosePayload{Order: o}, opts...)
	}, mode))
}

// Batch runs build's operation for every order.
func (u *Util) Batch(ctx context.Context, operation string, orders []types.Order, build BuildFunc, mode BatchMode) *task.Task {
	return u.observe(u.batch.Apply(ctx, operation, orders, build, mode))
}

// CancelSLTPAndMerge cancels the SL and TP of orders and merges them.
func (u *Util) CancelSLTPAndMerge(ctx context.Context, label string, orders []types.Order, opts MergeOptions) *task.Task {
	return u.observe(u.merge.CancelSLTPAndMerge(ctx, label, orders, opts))
}

// MergePosition merges the filled orders of instrument.
func (u *Util) MergePosition(ctx context.Context, instrument string, params MergePositionParams) *task.Task {
	return u.observe(u.position.MergePosition(ctx, instrument, params))
}

// MergeAllPositions merges the position of every instrument.
func (u *Util) MergeAllPositions(ctx context.Context, factory func(instrument string) MergePositionParams) *task.Task {
	return u.observe(u.position.MergeAllPositions(ctx, factory))
}

// ClosePosition closes the position of instrument.
func (u *Util) ClosePosition(ctx context.Context, instrument string, params ClosePositionParams) *task.Task {
	return u.observe(u.position.ClosePosition(ctx, instrument, params))
}

// CloseAllPositions closes the position of every instrument.
func (u *Util) CloseAllPositions(ctx context.Context, factory func(instrument string) ClosePositionParams) *task.Task {
	return u.observe(u.position.CloseAllPositions(ctx, factory))
}

func (u *Util) single(ctx context.Context, payload Payload, opts []Option) *task.Task {
	p, err := NewParams(payload, opts...)
	if err != nil {
		op := OpSubmit
		if payload != nil {
			op = payload.Operation()
		}
		return u.failed(op, err)
	}
	return u.observe(u.basic.Run(ctx, p))
}

func (u *Util) failed(op Operation, err error) *task.Task {
	u.logger.Warn("invalid operation params", "operation", op, "err", err)
	return u.observe(task.Resolved(op.String(), nil, err))
}

func (u *Util) observe(t *task.Task) *task.Task {
	u.mu.RLock()
	observers := append([]Observer(nil), u.observers...)
	u.mu.RUnlock()

	for _, o := range observers {
		o.TaskStarted(t)
	}
	go func() {
		<-t.Done()
		_, err := t.Result()
		u.recorder.RecordTask(t.Operation(), err, t.Duration())
		for _, o := range observers {
			o.TaskFinished(t)
		}
	}()
	return t
}
