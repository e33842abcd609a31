package task

import (
	"context"
	"log/slog"

	"github.com/tathienbao/ordertask/internal/execution"
	"github.com/tathienbao/ordertask/internal/gateway"
	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/types"
)

// Executor runs host calls. Implemented by execution.Executor.
type Executor interface {
	Execute(ctx context.Context, family types.Family, call execution.Call, after execution.AfterFunc) execution.Result
}

// Registrar records interest in an order's terminal events. Implemented by
// gateway.Gateway.
type Registrar interface {
	Register(orderID string, kinds types.KindSet) (*gateway.Registration, error)
}

// Handler turns one host call into one awaited result: it issues the call,
// registers for the returned order's terminal kinds and waits for the
// resolving event.
type Handler struct {
	exec     Executor
	gw       Registrar
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewHandler creates a new task handler.
func NewHandler(exec Executor, gw Registrar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		exec:     exec,
		gw:       gw,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// Run issues call and waits for the terminal event of family on the returned
// order. onEvent, if set, sees every routed event of the call, intermediate
// ones included. A host error fails immediately; a reject event fails with a
// RejectError. Cancelling ctx removes the registration.
func (h *Handler) Run(ctx context.Context, family types.Family, call execution.Call, onEvent func(types.OrderEvent)) (types.OrderEvent, error) {
	kinds := types.KindsOf(family)

	var reg *gateway.Registration
	res := h.exec.Execute(ctx, family, call, func(order types.Order) error {
		r, err := h.gw.Register(order.ID(), kinds)
		if err != nil {
			return err
		}
		reg = r
		return nil
	})
	if res.Err != nil {
		return types.OrderEvent{}, res.Err
	}

	for {
		select {
		case <-ctx.Done():
			reg.Cancel()
			h.logger.Debug("call abandoned", "order_id", reg.OrderID(), "family", family)
			return types.OrderEvent{}, ctx.Err()
		case ev, ok := <-reg.Events():
			if !ok {
				if err := ctx.Err(); err != nil {
					return types.OrderEvent{}, err
				}
				if err := reg.Err(); err != nil {
					return types.OrderEvent{}, err
				}
				return types.OrderEvent{}, types.ErrGatewayStopped
			}
			if err := ctx.Err(); err != nil {
				reg.Cancel()
				h.logger.Debug("call abandoned", "order_id", reg.OrderID(), "family", family)
				return types.OrderEvent{}, err
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch {
			case kinds.IsSuccess(ev.Kind):
				return ev, nil
			case kinds.IsReject(ev.Kind):
				return ev, &types.RejectError{Event: ev}
			}
		}
	}
}

// RunWithRetry runs call under policy, re-issuing it after each reject.
func (h *Handler) RunWithRetry(ctx context.Context, family types.Family, call execution.Call, policy RetryPolicy, onEvent func(types.OrderEvent)) (types.OrderEvent, error) {
	return policy.Run(ctx, func(ctx context.Context) (types.OrderEvent, error) {
		return h.Run(ctx, family, call, onEvent)
	}, func(retry int, err error) {
		h.recorder.RecordRetry(family)
		h.logger.Warn("call rejected, retrying",
			"family", family,
			"attempt", retry,
			"max_retries", policy.MaxRetries,
			"delay", policy.Delay,
			"err", err,
		)
	})
}
