// Package gateway correlates host calls with the events that resolve them.
//
// The gateway reads the host's single event stream and republishes every
// event to global subscribers. An event is also forwarded to the pending
// registration for its order and family, if one is live. Registration
// happens after a call returns; the host must not emit a resolving event
// before that point. The gateway relies on this and does not enforce it.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/types"
)

// Config holds gateway configuration.
type Config struct {
	RegistrationBuffer int // per-registration channel size
	SubscriberBuffer   int // default global subscriber channel size
}

// DefaultConfig returns default gateway config.
func DefaultConfig() Config {
	return Config{
		RegistrationBuffer: 16,
		SubscriberBuffer:   256,
	}
}

type key struct {
	orderID string
	family  types.Family
}

// Registration is a pending interest in the terminal events of one
// (order, family) pair.
type Registration struct {
	gw     *Gateway
	key    key
	kinds  types.KindSet
	events chan types.OrderEvent
	closed bool
	err    error
}

// Events returns the private channel. It is closed once the registration
// is resolved by a terminal event, cancelled, or released by Stop.
func (r *Registration) Events() <-chan types.OrderEvent {
	return r.events
}

// OrderID returns the registered order identity.
func (r *Registration) OrderID() string { return r.key.orderID }

// Kinds returns the kind set the registration listens for.
func (r *Registration) Kinds() types.KindSet { return r.kinds }

// Err reports why the events channel was closed without a terminal event:
// ErrGatewayStopped, ErrRegistrationRemoved or ErrRegistrationOverflow. It
// is nil while the registration is live or after a terminal event was
// delivered.
func (r *Registration) Err() error {
	r.gw.mu.Lock()
	defer r.gw.mu.Unlock()
	return r.err
}

// Cancel removes the registration. Events that arrive later are dropped.
func (r *Registration) Cancel() {
	r.gw.remove(r)
}

// Gateway routes host events to pending registrations and global subscribers.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	running atomic.Bool

	mu   sync.Mutex
	regs map[key]*Registration

	subsMu sync.RWMutex
	subs   []chan types.OrderEvent

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RegistrationBuffer <= 0 {
		cfg.RegistrationBuffer = 16
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		regs:     make(map[key]*Registration),
		done:     make(chan struct{}),
	}
}

// Start begins ingesting src until ctx is done, src is closed or Stop is called.
func (g *Gateway) Start(ctx context.Context, src <-chan types.OrderEvent) error {
	select {
	case <-g.done:
		return types.ErrGatewayStopped
	default:
	}
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already running")
	}
	g.recorder.RecordGatewayRunning(true)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.ingestLoop(ctx, src)
	}()

	g.logger.Info("event gateway started")
	return nil
}

func (g *Gateway) ingestLoop(ctx context.Context, src <-chan types.OrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case ev, ok := <-src:
			if !ok {
				g.logger.Warn("host event stream closed")
				return
			}
			g.Ingest(ev)
		}
	}
}

// Stop stops ingestion and releases every pending registration and subscriber.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.running.Store(false)
		close(g.done)
		g.wg.Wait()

		g.mu.Lock()
		released := len(g.regs)
		for k, reg := range g.regs {
			reg.closed = true
			reg.err = types.ErrGatewayStopped
			close(reg.events)
			delete(g.regs, k)
		}
		g.mu.Unlock()
		g.recorder.RecordPendingRegistrations(0)

		g.subsMu.Lock()
		for _, ch := range g.subs {
			close(ch)
		}
		g.subs = nil
		g.subsMu.Unlock()

		g.recorder.RecordGatewayRunning(false)
		g.logger.Info("event gateway stopped", "released_registrations", released)
	})
}

// IsRunning returns true while the gateway accepts registrations.
func (g *Gateway) IsRunning() bool {
	return g.running.Load()
}

// Register records interest in the terminal kinds of one family for an order.
// At most one registration per (order, family) may be live.
func (g *Gateway) Register(orderID string, kinds types.KindSet) (*Registration, error) {
	if !g.running.Load() {
		select {
		case <-g.done:
			return nil, types.ErrGatewayStopped
		default:
			return nil, types.ErrGatewayNotStarted
		}
	}

	k := key{orderID: orderID, family: kinds.Family}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.regs[k]; exists {
		return nil, fmt.Errorf("%w: order %s family %s", types.ErrDuplicateRegistration, orderID, kinds.Family)
	}

	reg := &Registration{
		gw:     g,
		key:    k,
		kinds:  kinds,
		events: make(chan types.OrderEvent, g.cfg.RegistrationBuffer),
	}
	g.regs[k] = reg
	g.recorder.RecordPendingRegistrations(len(g.regs))

	g.logger.Debug("registration added", "order_id", orderID, "family", kinds.Family)
	return reg, nil
}

// Deregister removes the live registration for (orderID, family), if any.
func (g *Gateway) Deregister(orderID string, family types.Family) {
	g.mu.Lock()
	reg, ok := g.regs[key{orderID: orderID, family: family}]
	g.mu.Unlock()
	if ok {
		g.remove(reg)
	}
}

func (g *Gateway) remove(reg *Registration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if reg.closed {
		return
	}
	if g.regs[reg.key] == reg {
		delete(g.regs, reg.key)
	}
	reg.closed = true
	reg.err = types.ErrRegistrationRemoved
	close(reg.events)
	g.recorder.RecordPendingRegistrations(len(g.regs))

	g.logger.Debug("registration removed", "order_id", reg.key.orderID, "family", reg.key.family)
}

// Pending returns the number of live registrations.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.regs)
}

// Registered returns true if a registration for (orderID, family) is live.
func (g *Gateway) Registered(orderID string, family types.Family) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.regs[key{orderID: orderID, family: family}]
	return ok
}

// Ingest processes one host event.
func (g *Gateway) Ingest(ev types.OrderEvent) {
	g.recorder.RecordEventIngested(ev.Kind)
	g.route(ev)
	g.publish(ev)
}

func (g *Gateway) route(ev types.OrderEvent) {
	family := types.FamilyOf(ev.Kind)
	if family == types.FamilyNone {
		return
	}
	k := key{orderID: ev.OrderID(), family: family}

	g.mu.Lock()
	defer g.mu.Unlock()

	reg, ok := g.regs[k]
	if !ok || !reg.kinds.Contains(ev.Kind) {
		g.recorder.RecordEventDropped("unmatched")
		g.logger.Debug("event unmatched", "order_id", k.orderID, "kind", ev.Kind)
		return
	}

	terminal := reg.kinds.IsTerminal(ev.Kind)
	select {
	case reg.events <- ev:
		g.recorder.RecordEventRouted(family)
	default:
		g.recorder.RecordEventDropped("registration_full")
		g.logger.Warn("registration buffer full, event dropped", "order_id", k.orderID, "kind", ev.Kind)
		if terminal {
			reg.err = types.ErrRegistrationOverflow
		}
	}

	if terminal {
		delete(g.regs, k)
		reg.closed = true
		close(reg.events)
		g.recorder.RecordPendingRegistrations(len(g.regs))
	}
}

// Subscribe returns a channel receiving every ingested event and a function
// to unsubscribe. Slow subscribers miss events rather than block ingestion.
func (g *Gateway) Subscribe(buffer int) (<-chan types.OrderEvent, func()) {
	if buffer <= 0 {
		buffer = g.cfg.SubscriberBuffer
	}

	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	ch := make(chan types.OrderEvent, buffer)
	select {
	case <-g.done:
		close(ch)
		return ch, func() {}
	default:
	}
	g.subs = append(g.subs, ch)

	unsub := func() {
		g.subsMu.Lock()
		defer g.subsMu.Unlock()
		for i, c := range g.subs {
			if c == ch {
				close(c)
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

func (g *Gateway) publish(ev types.OrderEvent) {
	g.subsMu.RLock()
	defer g.subsMu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- ev:
		default:
			g.recorder.RecordEventDropped("subscriber_full")
		}
	}
}
