// Package execution runs synchronous host calls on a dedicated worker.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/types"
	"golang.org/x/time/rate"
)

// Call is a zero-argument host invocation returning the affected order.
type Call func() (types.Order, error)

// AfterFunc runs on the worker right after a call returned an order, before
// the worker takes the next call. A non-nil error fails the result.
type AfterFunc func(order types.Order) error

// Result holds either the order returned by a call or the error it produced.
type Result struct {
	Order types.Order
	Err   error
}

// Config holds executor configuration.
type Config struct {
	RateLimit float64 // calls per second, zero means unlimited
	Burst     int
	QueueSize int
}

// DefaultConfig returns default executor config.
func DefaultConfig() Config {
	return Config{
		RateLimit: 50,
		Burst:     10,
		QueueSize: 256,
	}
}

type job struct {
	ctx    context.Context
	family types.Family
	call   Call
	after  AfterFunc
	result chan Result
}

// Executor issues host calls one at a time on its own goroutine, off the
// host's event delivery path.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	limiter  *rate.Limiter
	recorder *metrics.Recorder

	jobs    chan job
	running atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewExecutor creates a new call executor.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Executor{
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		recorder: metrics.NewRecorder(),
		jobs:     make(chan job, cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the worker goroutine.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		e.running.Store(true)
		go e.run()
		e.logger.Info("call executor started", "rate_limit", e.cfg.RateLimit, "burst", e.cfg.Burst)
	})
}

// Stop stops the worker. Queued calls that have not started fail with
// ErrExecutorStopped.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.done)
		e.startOnce.Do(func() { close(e.stopped) })
		<-e.stopped
		e.logger.Info("call executor stopped")
	})
}

// IsRunning returns true while the worker accepts calls.
func (e *Executor) IsRunning() bool {
	return e.running.Load()
}

// Execute runs call on the worker and waits for its result. Once the call has
// been queued Execute waits for it: a cancelled ctx skips the call if it has
// not started yet, but never abandons one in flight.
func (e *Executor) Execute(ctx context.Context, family types.Family, call Call, after AfterFunc) Result {
	if !e.running.Load() {
		return Result{Err: types.ErrExecutorStopped}
	}

	j := job{
		ctx:    ctx,
		family: family,
		call:   call,
		after:  after,
		result: make(chan Result, 1),
	}

	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-e.done:
		return Result{Err: types.ErrExecutorStopped}
	}

	select {
	case r := <-j.result:
		return r
	case <-e.stopped:
		select {
		case r := <-j.result:
			return r
		default:
			return Result{Err: types.ErrExecutorStopped}
		}
	}
}

func (e *Executor) run() {
	defer close(e.stopped)

	for {
		select {
		case <-e.done:
			e.drain()
			return
		case j := <-e.jobs:
			j.result <- e.process(j)
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case j := <-e.jobs:
			j.result <- Result{Err: types.ErrExecutorStopped}
		default:
			return
		}
	}
}

func (e *Executor) process(j job) Result {
	if err := j.ctx.Err(); err != nil {
		return Result{Err: err}
	}
	if err := e.limiter.Wait(j.ctx); err != nil {
		if ctxErr := j.ctx.Err(); ctxErr != nil {
			return Result{Err: ctxErr}
		}
		return Result{Err: fmt.Errorf("rate limit: %w", err)}
	}

	start := time.Now()
	order, err := invoke(j.call)
	e.recorder.RecordHostCall(j.family, err, time.Since(start))

	if err != nil {
		e.logger.Error("host call failed", "family", j.family, "err", err)
		return Result{Err: &types.HostError{Family: j.family, Err: err}}
	}
	if order == nil {
		return Result{Err: &types.HostError{Family: j.family, Err: types.ErrNoOrderHandle}}
	}

	if j.after != nil {
		if err := j.after(order); err != nil {
			return Result{Err: err}
		}
	}
	return Result{Order: order}
}

// invoke runs call, turning a panic into an error.
func invoke(call Call) (order types.Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			order = nil
			err = fmt.Errorf("host call panicked: %v", r)
		}
	}()
	return call()
}
