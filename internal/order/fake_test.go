package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/execution"
	"github.com/tathienbao/ordertask/internal/gateway"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeReject
	outcomeHostError
)

// script decides the outcome of one call on (family, order).
type script struct {
	outcome outcome
	delay   time.Duration
	times   int // applies to the first n calls, zero means all
}

// fakeHost records every call and answers through the gateway once the
// call's registration is live. Calls whose registration never shows up are
// left unanswered.
type fakeHost struct {
	gw *gateway.Gateway

	mu        sync.Mutex
	calls     []string
	scripts   map[string]*script
	orders    []*fakeOrder
	merged    int
	mergeFlat bool
}

func newFakeHost(gw *gateway.Gateway) *fakeHost {
	return &fakeHost{gw: gw, scripts: make(map[string]*script)}
}

func (h *fakeHost) script(family types.Family, orderID string, s script) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[family.String()+":"+orderID] = &s
}

func (h *fakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHost) countCalls(prefix string) int {
	n := 0
	for _, c := range h.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (h *fakeHost) addOrder(id, instrument string, side types.Side, state types.OrderState) *fakeOrder {
	o := &fakeOrder{
		host:       h,
		id:         id,
		label:      id,
		instrument: instrument,
		side:       side,
		state:      state,
		amount:     decimal.NewFromFloat(0.1),
		openPrice:  decimal.RequireFromString("1.10000"),
	}
	h.mu.Lock()
	h.orders = append(h.orders, o)
	h.mu.Unlock()
	return o
}

func (h *fakeHost) Submit(params types.OrderParams) (types.Order, error) {
	h.mu.Lock()
	id := fmt.Sprintf("sub-%d", len(h.orders)+1)
	h.mu.Unlock()
	o := h.addOrder(id, params.Instrument, params.Side, types.OrderStateCreated)
	o.locked(func() { o.amount = params.Amount })
	return o, o.answer(types.FamilySubmit, func() { o.state = types.OrderStateFilled })
}

func (h *fakeHost) Merge(label string, orders []types.Order) (types.Order, error) {
	h.mu.Lock()
	h.merged++
	id := fmt.Sprintf("merged-%d", h.merged)
	flat := h.mergeFlat
	h.calls = append(h.calls, "merge:"+label)
	h.mu.Unlock()

	o := h.addOrder(id, orders[0].Instrument(), orders[0].Side(), types.OrderStateCreated)
	kind := types.EventMergeOK
	if flat {
		kind = types.EventMergeCloseOK
	}
	return o, h.respond(o, types.FamilyMerge, kind, func() {
		for _, src := range orders {
			if fo, ok := src.(*fakeOrder); ok {
				fo.state = types.OrderStateClosed
			}
		}
		o.state = types.OrderStateFilled
		if flat {
			o.state = types.OrderStateClosed
		}
	})
}

// respond applies the script for (family, o) and delivers the outcome.
func (h *fakeHost) respond(o *fakeOrder, family types.Family, okKind types.EventKind, apply func()) error {
	h.mu.Lock()
	s := h.scripts[family.String()+":"+o.id]
	current := script{}
	if s != nil {
		current = *s
		if s.times > 0 {
			s.times--
			if s.times == 0 {
				delete(h.scripts, family.String()+":"+o.id)
			}
		}
	}
	h.mu.Unlock()

	if current.outcome == outcomeHostError {
		return errors.New("host refused call")
	}

	kind := okKind
	if current.outcome == outcomeReject {
		kind = types.KindsOf(family).Reject[0]
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for !h.gw.Registered(o.id, family) {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(current.delay)
		if kind == okKind {
			h.mu.Lock()
			apply()
			h.mu.Unlock()
		}
		h.gw.Ingest(types.OrderEvent{Order: o, Kind: kind, Timestamp: time.Now()})
	}()
	return nil
}

// fakePositions derives positions from the host's orders.
type fakePositions struct {
	host *fakeHost
}

func (p fakePositions) byState(instrument string, state types.OrderState) []types.Order {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	var out []types.Order
	for _, o := range p.host.orders {
		if o.instrument == instrument && o.state == state {
			out = append(out, o)
		}
	}
	return out
}

func (p fakePositions) FilledOrders(instrument string) []types.Order {
	return p.byState(instrument, types.OrderStateFilled)
}

func (p fakePositions) OpenedOrders(instrument string) []types.Order {
	return p.byState(instrument, types.OrderStateOpened)
}

func (p fakePositions) Instruments() []string {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, o := range p.host.orders {
		if !seen[o.instrument] && !o.state.IsFinal() {
			seen[o.instrument] = true
			out = append(out, o.instrument)
		}
	}
	return out
}

type fakeOrder struct {
	host *fakeHost

	id         string
	label      string
	instrument string
	side       types.Side
	state      types.OrderState
	amount     decimal.Decimal
	openPrice  decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	goodTill   time.Time
}

func (o *fakeOrder) locked(fn func()) {
	o.host.mu.Lock()
	defer o.host.mu.Unlock()
	fn()
}

func (o *fakeOrder) ID() string { return o.id }
func (o *fakeOrder) Instrument() string { return o.instrument }

func (o *fakeOrder) Label() (v string) { o.locked(func() { v = o.label }); return }
func (o *fakeOrder) Side() (v types.Side) { o.locked(func() { v = o.side }); return }
func (o *fakeOrder) State() (v types.OrderState) { o.locked(func() { v = o.state }); return }
func (o *fakeOrder) Amount() (v decimal.Decimal) { o.locked(func() { v = o.amount }); return }
func (o *fakeOrder) OpenPrice() (v decimal.Decimal) { o.locked(func() { v = o.openPrice }); return }
func (o *fakeOrder) StopLoss() (v decimal.Decimal) { o.locked(func() { v = o.stopLoss }); return }
func (o *fakeOrder) TakeProfit() (v decimal.Decimal) { o.locked(func() { v = o.takeProfit }); return }
func (o *fakeOrder) GoodTillTime() (v time.Time) { o.locked(func() { v = o.goodTill }); return }

func (o *fakeOrder) record(family types.Family) {
	o.host.mu.Lock()
	o.host.calls = append(o.host.calls, family.String()+":"+o.id)
	o.host.mu.Unlock()
}

func (o *fakeOrder) answer(family types.Family, apply func()) error {
	o.record(family)
	return o.host.respond(o, family, types.KindsOf(family).Success[0], apply)
}

func (o *fakeOrder) Close(amount, price decimal.Decimal) error {
	return o.answer(types.FamilyClose, func() { o.state = types.OrderStateClosed })
}

func (o *fakeOrder) SetLabel(label string) error {
	return o.answer(types.FamilyLabel, func() { o.label = label })
}

func (o *fakeOrder) SetGoodTillTime(gtt time.Time) error {
	return o.answer(types.FamilyGTT, func() { o.goodTill = gtt })
}

func (o *fakeOrder) SetRequestedAmount(amount decimal.Decimal) error {
	return o.answer(types.FamilyAmount, func() { o.amount = amount })
}

func (o *fakeOrder) SetOpenPrice(price decimal.Decimal) error {
	return o.answer(types.FamilyOpenPrice, func() { o.openPrice = price })
}

func (o *fakeOrder) SetStopLoss(price decimal.Decimal) error {
	return o.answer(types.FamilySL, func() { o.stopLoss = price })
}

func (o *fakeOrder) SetTakeProfit(price decimal.Decimal) error {
	return o.answer(types.FamilyTP, func() { o.takeProfit = price })
}

type harness struct {
	gw   *gateway.Gateway
	host *fakeHost
	util *Util
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := gateway.New(gateway.DefaultConfig(), nil)
	if err := gw.Start(context.Background(), make(chan types.OrderEvent)); err != nil {
		t.Fatalf("gateway Start() error = %v", err)
	}
	exec := execution.NewExecutor(execution.Config{QueueSize: 64}, nil)
	exec.Start()
	t.Cleanup(func() {
		exec.Stop()
		gw.Stop()
	})

	host := newFakeHost(gw)
	handler := task.NewHandler(exec, gw, nil)
	return &harness{
		gw:   gw,
		host: host,
		util: NewUtil(handler, host, fakePositions{host: host}, nil),
	}
}

func wait(t *testing.T, tk *task.Task) ([]types.OrderEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	events, err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s did not resolve", tk.Operation())
	}
	return events, err
}

func kinds(events []types.OrderEvent) []types.EventKind {
	out := make([]types.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
