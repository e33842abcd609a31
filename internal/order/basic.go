package order

import (
	"context"
	"log/slog"

	"github.com/tathienbao/ordertask/internal/execution"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// Host issues the calls that create orders. Changes to existing orders go
// through the order handle itself.
type Host interface {
	Submit(params types.OrderParams) (types.Order, error)
	Merge(label string, orders []types.Order) (types.Order, error)
}

// Runner runs one correlated host call under a retry policy. Implemented by
// task.Handler.
type Runner interface {
	RunWithRetry(ctx context.Context, family types.Family, call execution.Call, policy task.RetryPolicy, onEvent func(types.OrderEvent)) (types.OrderEvent, error)
}

// BasicTask runs single-order operations.
type BasicTask struct {
	runner Runner
	host   Host
	logger *slog.Logger
}

// NewBasicTask creates a new basic task runner.
func NewBasicTask(runner Runner, host Host, logger *slog.Logger) *BasicTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &BasicTask{runner: runner, host: host, logger: logger}
}

// Run issues the operation described by p. If the target order is already in
// the requested state, no call is issued and the task resolves at once with
// no events.
func (b *BasicTask) Run(ctx context.Context, p Params) *task.Task {
	op := p.Operation()
	if err := validate(p.payload); err != nil {
		b.logger.Warn("invalid operation params", "operation", op, "err", err)
		return task.Resolved(op.String(), nil, err)
	}

	if b.alreadyDone(p.payload) {
		b.logger.Debug("operation is a no-op",
			"operation", op,
			"order_id", targetOrder(p.payload).ID(),
		)
		return task.Resolved(op.String(), nil, nil)
	}

	call := b.call(p.payload)
	family := op.Family()

	tk := task.Go(ctx, op.String(), func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		ev, err := b.runner.RunWithRetry(ctx, family, call, p.retry, emit)
		if err != nil {
			return nil, err
		}
		return []types.OrderEvent{ev}, nil
	})
	// Per-kind callbacks ride on the task's own event dispatch so a
	// cancelled task never reaches them.
	if len(p.callbacks) > 0 {
		tk.OnEvent(func(ev types.OrderEvent) {
			if fn, ok := p.callback(ev.Kind); ok {
				fn(ev)
			}
		})
	}
	return tk
}

func (b *BasicTask) call(payload Payload) execution.Call {
	switch pl := payload.(type) {
	case SubmitPayload:
		return func() (types.Order, error) { return b.host.Submit(pl.Order) }
	case MergePayload:
		return func() (types.Order, error) { return b.host.Merge(pl.Label, pl.Orders) }
	case ClosePayload:
		return change(pl.Order, func() error { return pl.Order.Close(pl.Amount, pl.Price) })
	case LabelPayload:
		return change(pl.Order, func() error { return pl.Order.SetLabel(pl.Label) })
	case GTTPayload:
		return change(pl.Order, func() error { return pl.Order.SetGoodTillTime(pl.GTT) })
	case AmountPayload:
		return change(pl.Order, func() error { return pl.Order.SetRequestedAmount(pl.Amount) })
	case OpenPricePayload:
		return change(pl.Order, func() error { return pl.Order.SetOpenPrice(pl.Price) })
	case StopLossPayload:
		return change(pl.Order, func() error { return pl.Order.SetStopLoss(pl.Price) })
	case TakeProfitPayload:
		return change(pl.Order, func() error { return pl.Order.SetTakeProfit(pl.Price) })
	default:
		return func() (types.Order, error) { return nil, types.ErrInvalidParams }
	}
}

func change(order types.Order, mutate func() error) execution.Call {
	return func() (types.Order, error) {
		if err := mutate(); err != nil {
			return nil, err
		}
		return order, nil
	}
}

// alreadyDone reports whether the target order is already in the state the
// operation asks for.
func (b *BasicTask) alreadyDone(payload Payload) bool {
	switch pl := payload.(type) {
	case ClosePayload:
		return pl.Order.State().IsFinal()
	case LabelPayload:
		return pl.Order.Label() == pl.Label
	case GTTPayload:
		return pl.Order.GoodTillTime().Equal(pl.GTT)
	case AmountPayload:
		return pl.Order.Amount().Equal(pl.Amount)
	case OpenPricePayload:
		return pl.Order.OpenPrice().Equal(pl.Price)
	case StopLossPayload:
		return pl.Order.StopLoss().Equal(pl.Price)
	case TakeProfitPayload:
		return pl.Order.TakeProfit().Equal(pl.Price)
	default:
		return false
	}
}
