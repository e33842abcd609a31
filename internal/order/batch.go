package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// BatchMode selects how batch members are issued.
type BatchMode int

const (
	// Concurrent issues every member at once. The batch resolves when all
	// members have resolved and reports the first failure.
	Concurrent BatchMode = iota
	// Sequential issues each member after the previous one resolved and
	// stops at the first failure.
	Sequential
)

func (m BatchMode) String() string {
	switch m {
	case Concurrent:
		return "concurrent"
	case Sequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// ParseBatchMode parses a batch mode name.
func ParseBatchMode(s string) (BatchMode, error) {
	switch s {
	case "concurrent", "":
		return Concurrent, nil
	case "sequential":
		return Sequential, nil
	default:
		return Concurrent, fmt.Errorf("%w: batch mode %q", types.ErrInvalidParams, s)
	}
}

// BuildFunc builds the params of one batch member.
type BuildFunc func(order types.Order) (Params, error)

// BatchTask fans one operation out over several orders.
type BatchTask struct {
	basic  *BasicTask
	logger *slog.Logger
}

// NewBatchTask creates a new batch task runner.
func NewBatchTask(basic *BasicTask, logger *slog.Logger) *BatchTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchTask{basic: basic, logger: logger}
}

// Apply runs build's operation for every order in mode. The result holds the
// members' resolving events in order. Failures are wrapped in MemberError.
func (b *BatchTask) Apply(ctx context.Context, operation string, orders []types.Order, build BuildFunc, mode BatchMode) *task.Task {
	if len(orders) == 0 {
		return task.Resolved(operation, nil, nil)
	}

	return task.Go(ctx, operation, func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
		return b.Run(ctx, orders, build, mode, emit)
	})
}

// Run is Apply for use inside another task's body. emit may be nil.
func (b *BatchTask) Run(ctx context.Context, orders []types.Order, build BuildFunc, mode BatchMode, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mode == Sequential {
		return b.sequential(ctx, orders, build, emit)
	}
	return b.concurrent(ctx, orders, build, emit)
}

func (b *BatchTask) concurrent(ctx context.Context, orders []types.Order, build BuildFunc, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
	// Build every member first so that invalid params issue nothing.
	params := make([]Params, len(orders))
	for i, o := range orders {
		p, err := build(o)
		if err != nil {
			return nil, &types.MemberError{Index: i, OrderID: o.ID(), Err: err}
		}
		params[i] = p
	}

	members := make([]*task.Task, len(orders))
	for i, p := range params {
		members[i] = b.basic.Run(ctx, p)
		if emit != nil {
			members[i].OnEvent(emit)
		}
	}

	var mu sync.Mutex
	results := make([][]types.OrderEvent, len(orders))

	p := pool.New().WithErrors().WithFirstError()
	for i, member := range members {
		p.Go(func() error {
			events, err := member.Wait(ctx)
			if err != nil {
				b.logger.Warn("batch member failed",
					"operation", member.Operation(),
					"index", i,
					"order_id", orders[i].ID(),
					"err", err,
				)
				return &types.MemberError{Index: i, OrderID: orders[i].ID(), Err: err}
			}
			mu.Lock()
			results[i] = events
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return flatten(results), nil
}

func (b *BatchTask) sequential(ctx context.Context, orders []types.Order, build BuildFunc, emit func(types.OrderEvent)) ([]types.OrderEvent, error) {
	var all []types.OrderEvent
	for i, o := range orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := build(o)
		if err != nil {
			return nil, &types.MemberError{Index: i, OrderID: o.ID(), Err: err}
		}

		member := b.basic.Run(ctx, p)
		if emit != nil {
			member.OnEvent(emit)
		}
		events, err := member.Wait(ctx)
		if err != nil {
			return nil, &types.MemberError{Index: i, OrderID: o.ID(), Err: err}
		}
		all = append(all, events...)
	}
	return all, nil
}

func flatten(results [][]types.OrderEvent) []types.OrderEvent {
	var all []types.OrderEvent
	for _, events := range results {
		all = append(all, events...)
	}
	return all
}
