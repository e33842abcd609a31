// Package engine wires the host, the event gateway and the order tasks
// together and owns their lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/ordertask/internal/alerting"
	"github.com/tathienbao/ordertask/internal/broker"
	"github.com/tathienbao/ordertask/internal/execution"
	"github.com/tathienbao/ordertask/internal/gateway"
	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/order"
	"github.com/tathienbao/ordertask/internal/persistence"
	"github.com/tathienbao/ordertask/internal/position"
	"github.com/tathienbao/ordertask/internal/task"
)

// Config holds engine configuration.
type Config struct {
	Gateway  gateway.Config
	Executor execution.Config

	// Retry and CancelMode are the defaults used for shutdown closes.
	Retry      task.RetryPolicy
	CancelMode order.BatchMode

	// AlertOperations are the task operations alerted on when they fail.
	AlertOperations []string

	// ClosePositionsOnShutdown closes every tracked position in Stop.
	ClosePositionsOnShutdown bool

	// MonitorInterval is how often host and gateway status is sampled.
	MonitorInterval time.Duration
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Gateway:         gateway.DefaultConfig(),
		Executor:        execution.DefaultConfig(),
		CancelMode:      order.Concurrent,
		MonitorInterval: 5 * time.Second,
	}
}

// Engine coordinates the order task components.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	host     broker.Host
	gateway  *gateway.Gateway
	executor *execution.Executor
	tracker  *position.Tracker
	util     *order.Util
	journal  *persistence.Journal
	alerter  *alerting.MultiAlerter
	recorder *metrics.Recorder

	// State
	mu            sync.RWMutex
	running       bool
	hostConnected bool
	cancel        context.CancelFunc
	unsubscribe   []func()

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a new engine over host. repo and alerter are optional.
// An Engine cannot be restarted once stopped.
func NewEngine(
	cfg Config,
	host broker.Host,
	repo persistence.Repository,
	alerter *alerting.MultiAlerter,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}

	gw := gateway.New(cfg.Gateway, logger.With("component", "gateway"))
	exec := execution.NewExecutor(cfg.Executor, logger.With("component", "executor"))
	tracker := position.NewTracker(logger.With("component", "positions"))
	handler := task.NewHandler(exec, gw, logger.With("component", "handler"))
	util := order.NewUtil(handler, host, tracker, logger.With("component", "orders"))

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		host:     host,
		gateway:  gw,
		executor: exec,
		tracker:  tracker,
		util:     util,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		done:     make(chan struct{}),
	}

	if repo != nil {
		e.journal = persistence.NewJournal(repo, logger.With("component", "journal"))
		util.AddObserver(e.journal)
	}
	if alerter != nil {
		util.AddObserver(alerting.NewTaskAlerter(alerter, cfg.AlertOperations, logger))
	}

	return e
}

// Start connects the host and starts event routing. The components run
// until Stop, independently of ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.start(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.teardown()
		return err
	}

	e.alert(ctx, alerting.EventEngineStarted, "Order engine started",
		"orders", e.tracker.Len(),
	)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	e.logger.Info("starting order engine")

	if err := e.host.Connect(ctx); err != nil {
		return fmt.Errorf("connect host: %w", err)
	}
	e.setHostConnected(true)

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.executor.Start()

	if err := e.gateway.Start(runCtx, e.host.Events()); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	positions, unsub := e.gateway.Subscribe(0)
	e.addUnsubscribe(unsub)
	if err := e.tracker.Start(runCtx, positions); err != nil {
		return fmt.Errorf("start position tracker: %w", err)
	}

	if e.journal != nil {
		journaled, unsub := e.gateway.Subscribe(0)
		e.addUnsubscribe(unsub)
		if err := e.journal.Start(runCtx, journaled); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
	}

	orders, err := e.host.Orders()
	if err != nil {
		return fmt.Errorf("import orders: %w", err)
	}
	imported := e.tracker.ImportOrders(orders)

	e.wg.Add(1)
	go e.monitorLoop(runCtx)

	e.logger.Info("order engine started", "imported_orders", imported)
	return nil
}

// monitorLoop samples host and gateway status.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.checkStatus(ctx)
		}
	}
}

// checkStatus records status metrics and alerts on host connection changes.
func (e *Engine) checkStatus(ctx context.Context) {
	connected := e.host.IsConnected()
	e.recorder.RecordGatewayRunning(e.gateway.IsRunning())
	e.recorder.RecordPendingRegistrations(e.gateway.Pending())

	e.mu.Lock()
	changed := connected != e.hostConnected
	e.hostConnected = connected
	e.mu.Unlock()
	e.recorder.RecordHostStatus(connected)

	if !changed {
		return
	}
	if connected {
		e.logger.Info("host reconnected")
		e.alert(ctx, alerting.EventHostConnected, "Host connected")
		return
	}
	e.logger.Error("host disconnected", "state", e.host.State())
	e.recorder.RecordError("host_disconnected")
	e.alert(ctx, alerting.EventHostDisconnected, "Host disconnected",
		"state", e.host.State().String(),
	)
}

// Stop closes positions if configured, then stops the components in reverse
// start order. Pending tasks resolve with an error once the gateway stops.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping order engine")

	var closeErr error
	if e.cfg.ClosePositionsOnShutdown {
		closeErr = e.closeAll(ctx)
	}

	close(e.done)
	e.wg.Wait()
	e.teardown()

	e.alert(ctx, alerting.EventEngineStopped, "Order engine stopped")
	e.logger.Info("order engine stopped")
	return closeErr
}

func (e *Engine) closeAll(ctx context.Context) error {
	e.logger.Info("closing all positions before shutdown", "instruments", len(e.tracker.Instruments()))
	t := e.util.CloseAllPositions(ctx, func(string) order.ClosePositionParams {
		return order.ClosePositionParams{
			Retry:       e.cfg.Retry,
			CancelMode:  e.cfg.CancelMode,
			CloseOpened: true,
		}
	})
	if _, err := t.Wait(ctx); err != nil {
		t.Cancel()
		e.logger.Error("failed to close positions on shutdown", "err", err)
		return fmt.Errorf("close positions: %w", err)
	}
	return nil
}

// teardown stops whatever start brought up.
func (e *Engine) teardown() {
	e.mu.Lock()
	cancel := e.cancel
	unsubs := e.unsubscribe
	e.cancel = nil
	e.unsubscribe = nil
	e.mu.Unlock()

	e.gateway.Stop()
	e.executor.Stop()
	for _, unsub := range unsubs {
		unsub()
	}
	e.tracker.Stop()
	if e.journal != nil {
		e.journal.Stop()
	}
	if cancel != nil {
		cancel()
	}

	if err := e.host.Disconnect(); err != nil {
		e.logger.Warn("failed to disconnect host", "err", err)
	}
	e.setHostConnected(false)
}

// RegisterHealthChecks adds host and gateway checks to srv.
func (e *Engine) RegisterHealthChecks(srv *metrics.Server) {
	srv.RegisterHealthCheck("host", func() metrics.Check {
		if e.host.IsConnected() {
			return metrics.Healthy("connected")
		}
		return metrics.Unhealthy(e.host.State().String())
	})
	srv.RegisterHealthCheck("gateway", func() metrics.Check {
		if e.gateway.IsRunning() {
			return metrics.Healthy(fmt.Sprintf("%d pending registrations", e.gateway.Pending()))
		}
		return metrics.Unhealthy("stopped")
	})
}

// Orders returns the order task facade.
func (e *Engine) Orders() *order.Util {
	return e.util
}

// Positions returns the position tracker.
func (e *Engine) Positions() *position.Tracker {
	return e.tracker
}

// Gateway returns the event gateway.
func (e *Engine) Gateway() *gateway.Gateway {
	return e.gateway
}

// IsRunning returns true if engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) addUnsubscribe(fn func()) {
	e.mu.Lock()
	e.unsubscribe = append(e.unsubscribe, fn)
	e.mu.Unlock()
}

func (e *Engine) setHostConnected(connected bool) {
	e.mu.Lock()
	e.hostConnected = connected
	e.mu.Unlock()
	e.recorder.RecordHostStatus(connected)
}

func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.AlertEvent(ctx, event, message, fields...); err != nil {
		e.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}
