// Package position keeps a live view of the host's orders by instrument.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tathienbao/ordertask/internal/types"
)

type entry struct {
	order types.Order
	seq   uint64
}

// Tracker indexes live orders by instrument. It learns about orders from the
// gateway's global event stream and from ImportOrders.
type Tracker struct {
	logger *slog.Logger

	mu      sync.RWMutex
	orders  map[string]entry
	seq     uint64
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTracker creates a new position tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		orders: make(map[string]entry),
		done:   make(chan struct{}),
	}
}

// Start consumes events until ctx is done, Stop is called or events closes.
func (t *Tracker) Start(ctx context.Context, events <-chan types.OrderEvent) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("position tracker already running")
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(ctx, events)
	return nil
}

// Stop stops the event loop and waits for it.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) loop(ctx context.Context, events <-chan types.OrderEvent) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case ev, ok := <-events:
			if !ok {
				t.logger.Debug("position tracker stream closed")
				return
			}
			if ev.Order != nil {
				t.Track(ev.Order)
			}
		}
	}
}

// ImportOrders tracks orders that already exist on the host and returns the
// number of live orders imported.
func (t *Tracker) ImportOrders(orders []types.Order) int {
	n := 0
	for _, o := range orders {
		if o == nil || o.State().IsFinal() {
			continue
		}
		t.Track(o)
		n++
	}
	t.logger.Info("orders imported", "count", n)
	return n
}

// Track adds order to the view, or drops it once it reached a final state.
func (t *Tracker) Track(order types.Order) {
	id := order.ID()
	final := order.State().IsFinal()

	t.mu.Lock()
	defer t.mu.Unlock()

	if final {
		delete(t.orders, id)
		return
	}
	if _, ok := t.orders[id]; ok {
		return
	}
	t.seq++
	t.orders[id] = entry{order: order, seq: t.seq}
}

// FilledOrders returns the filled orders of instrument in tracking order.
func (t *Tracker) FilledOrders(instrument string) []types.Order {
	return t.byState(instrument, types.OrderStateFilled)
}

// OpenedOrders returns the opened, unfilled orders of instrument.
func (t *Tracker) OpenedOrders(instrument string) []types.Order {
	return t.byState(instrument, types.OrderStateOpened)
}

// Instruments returns the instruments with at least one live order.
func (t *Tracker) Instruments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range t.live() {
		if !seen[o.Instrument()] {
			seen[o.Instrument()] = true
			out = append(out, o.Instrument())
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

func (t *Tracker) byState(instrument string, state types.OrderState) []types.Order {
	var out []types.Order
	for _, o := range t.live() {
		if o.Instrument() == instrument && o.State() == state {
			out = append(out, o)
		}
	}
	return out
}

// live returns the tracked orders whose current state is not final. Order
// state is read from the handle, so a closed order drops out even before its
// event arrived.
func (t *Tracker) live() []types.Order {
	t.mu.RLock()
	entries := make([]entry, 0, len(t.orders))
	for _, e := range t.orders {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]types.Order, 0, len(entries))
	for _, e := range entries {
		if !e.order.State().IsFinal() {
			out = append(out, e.order)
		}
	}
	return out
}
