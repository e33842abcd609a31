// Package task provides the asynchronous result of order operations and the
// handler that correlates a host call with its resolving event.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/ordertask/internal/types"
)

// Func is the body of a task. It reports every observed event through emit
// and returns the events that resolved it.
type Func func(ctx context.Context, emit func(types.OrderEvent)) ([]types.OrderEvent, error)

// Task is the asynchronous result of one operation. The work starts when the
// task is created, independent of any subscription. Callbacks attached after
// resolution still observe the outcome.
type Task struct {
	id        string
	operation string
	started   time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	finished   time.Time
	observed   []types.OrderEvent
	result     []types.OrderEvent
	err        error
	resolved   bool
	canceled   bool
	onEvent    []func(types.OrderEvent)
	onComplete []func([]types.OrderEvent)
	onError    []func(error)
	onReject   []func(types.OrderEvent)
}

func newTask(parent context.Context, operation string) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:        uuid.New().String(),
		operation: operation,
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}, ctx
}

// Go starts fn in its own goroutine and returns its task.
func Go(parent context.Context, operation string, fn Func) *Task {
	t, ctx := newTask(parent, operation)
	go func() {
		events, err := fn(ctx, t.emit)
		t.resolve(events, err)
	}()
	return t
}

// Resolved returns a task that is already resolved.
func Resolved(operation string, events []types.OrderEvent, err error) *Task {
	t, _ := newTask(context.Background(), operation)
	t.resolve(events, err)
	return t
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Operation returns the operation name.
func (t *Task) Operation() string { return t.operation }

// Started returns the time the task was created.
func (t *Task) Started() time.Time { return t.started }

// Done returns a channel closed once the task is resolved or cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Duration returns the time from start to resolution, or zero while pending.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished.IsZero() {
		return 0
	}
	return t.finished.Sub(t.started)
}

// Wait blocks until the task resolves or ctx is done. Cancelling ctx only
// stops waiting; use Cancel to abandon the task.
func (t *Task) Wait(ctx context.Context) ([]types.OrderEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.Result()
	}
}

// Result returns the resolving events and error. Both are nil while pending.
func (t *Task) Result() ([]types.OrderEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Err returns the task error, nil on success or while pending.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Event returns the last resolving event. ok is false for no-op successes,
// failures and pending tasks.
func (t *Task) Event() (ev types.OrderEvent, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil || len(t.result) == 0 {
		return types.OrderEvent{}, false
	}
	return t.result[len(t.result)-1], true
}

// Observed returns every event emitted so far.
func (t *Task) Observed() []types.OrderEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OrderEvent, len(t.observed))
	copy(out, t.observed)
	return out
}

// Canceled returns true if the task was cancelled before it resolved.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Cancel abandons the task. Pending registrations are removed, no further
// stage is issued and no callback fires afterwards. Calls already issued to
// the host are not undone.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return
	}
	t.resolved = true
	t.canceled = true
	t.err = context.Canceled
	t.finished = time.Now()
	t.clearCallbacks()
	t.mu.Unlock()

	t.cancel()
	close(t.done)
}

// OnEvent registers fn for every event the task observes. Events observed
// before registration are replayed.
func (t *Task) OnEvent(fn func(types.OrderEvent)) *Task {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return t
	}
	past := make([]types.OrderEvent, len(t.observed))
	copy(past, t.observed)
	if !t.resolved {
		t.onEvent = append(t.onEvent, fn)
	}
	t.mu.Unlock()

	for _, ev := range past {
		fn(ev)
	}
	return t
}

// OnComplete registers fn for successful resolution.
func (t *Task) OnComplete(fn func([]types.OrderEvent)) *Task {
	t.mu.Lock()
	if !t.resolved {
		t.onComplete = append(t.onComplete, fn)
		t.mu.Unlock()
		return t
	}
	events, err, canceled := t.result, t.err, t.canceled
	t.mu.Unlock()

	if !canceled && err == nil {
		fn(events)
	}
	return t
}

// OnError registers fn for any failure, rejects included.
func (t *Task) OnError(fn func(error)) *Task {
	t.mu.Lock()
	if !t.resolved {
		t.onError = append(t.onError, fn)
		t.mu.Unlock()
		return t
	}
	err, canceled := t.err, t.canceled
	t.mu.Unlock()

	if !canceled && err != nil {
		fn(err)
	}
	return t
}

// OnReject registers fn for failures caused by a reject event.
func (t *Task) OnReject(fn func(types.OrderEvent)) *Task {
	t.mu.Lock()
	if !t.resolved {
		t.onReject = append(t.onReject, fn)
		t.mu.Unlock()
		return t
	}
	err, canceled := t.err, t.canceled
	t.mu.Unlock()

	if ev, ok := rejectEvent(err); ok && !canceled {
		fn(ev)
	}
	return t
}

func (t *Task) emit(ev types.OrderEvent) {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return
	}
	t.observed = append(t.observed, ev)
	callbacks := append([]func(types.OrderEvent){}, t.onEvent...)
	t.mu.Unlock()

	for _, fn := range callbacks {
		if t.Canceled() {
			return
		}
		fn(ev)
	}
}

func (t *Task) resolve(events []types.OrderEvent, err error) {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return
	}
	t.resolved = true
	t.result = events
	t.err = err
	t.finished = time.Now()
	onComplete, onError, onReject := t.onComplete, t.onError, t.onReject
	t.clearCallbacks()
	t.mu.Unlock()

	close(t.done)
	t.cancel()

	if err == nil {
		for _, fn := range onComplete {
			fn(events)
		}
		return
	}
	for _, fn := range onError {
		fn(err)
	}
	if ev, ok := rejectEvent(err); ok {
		for _, fn := range onReject {
			fn(ev)
		}
	}
}

func (t *Task) clearCallbacks() {
	t.onEvent = nil
	t.onComplete = nil
	t.onError = nil
	t.onReject = nil
}

func rejectEvent(err error) (types.OrderEvent, bool) {
	var reject *types.RejectError
	if errors.As(err, &reject) {
		return reject.Event, true
	}
	return types.OrderEvent{}, false
}
