// Package paper provides a simulated trading host for paper trading and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/broker"
	"github.com/tathienbao/ordertask/internal/types"
)

// Paper host errors returned synchronously from calls.
var (
	ErrDuplicateLabel = errors.New("duplicate order label")
	ErrInvalidAmount  = errors.New("invalid order amount")
	ErrInvalidState   = errors.New("order state does not allow this call")
	ErrMergeMismatch  = errors.New("orders cannot be merged")
)

// Config holds paper trading configuration.
type Config struct {
	FillDelay           time.Duration
	EventBuffer         int
	RejectMergeWithSLTP bool
	Prices              map[string]decimal.Decimal
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		FillDelay:           50 * time.Millisecond,
		EventBuffer:         256,
		RejectMergeWithSLTP: true,
		Prices: map[string]decimal.Decimal{
			types.InstrumentEURUSD.Symbol: decimal.RequireFromString("1.10000"),
			types.InstrumentGBPUSD.Symbol: decimal.RequireFromString("1.27000"),
			types.InstrumentUSDJPY.Symbol: decimal.RequireFromString("150.000"),
			types.InstrumentXAUUSD.Symbol: decimal.RequireFromString("2350.00"),
		},
	}
}

// Broker implements broker.Host with simulated, asynchronously reported outcomes.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	// State
	state atomic.Int32

	// Orders, labels and all order fields
	mu     sync.RWMutex
	orders map[string]*Order
	labels map[string]string

	// Prices
	pricesMu sync.RWMutex
	prices   map[string]decimal.Decimal

	// Injected rejections per family
	rejectMu sync.Mutex
	rejects  map[types.Family]int

	events chan types.OrderEvent

	// Shutdown
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroker creates a new paper trading host.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		orders:  make(map[string]*Order),
		labels:  make(map[string]string),
		prices:  make(map[string]decimal.Decimal),
		rejects: make(map[types.Family]int),
		events:  make(chan types.OrderEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	for symbol, price := range cfg.Prices {
		b.prices[symbol] = price
	}

	b.state.Store(int32(broker.StateDisconnected))

	return b
}

// Connect simulates connecting to the host.
func (b *Broker) Connect(ctx context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	b.logger.Info("paper host connected", "fill_delay", b.cfg.FillDelay)
	return nil
}

// Disconnect stops event delivery and closes the event stream.
func (b *Broker) Disconnect() error {
	b.doneOnce.Do(func() {
		b.state.Store(int32(broker.StateDisconnected))
		close(b.done)
		b.wg.Wait()
		close(b.events)
		b.logger.Info("paper host disconnected")
	})
	return nil
}

// State returns connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// Events returns the host's push event stream.
func (b *Broker) Events() <-chan types.OrderEvent {
	return b.events
}

// SetPrice sets the simulated market price used for market fills.
func (b *Broker) SetPrice(instrument string, price decimal.Decimal) {
	b.pricesMu.Lock()
	defer b.pricesMu.Unlock()
	b.prices[instrument] = price
}

func (b *Broker) price(instrument string) (decimal.Decimal, bool) {
	b.pricesMu.RLock()
	defer b.pricesMu.RUnlock()
	p, ok := b.prices[instrument]
	return p, ok
}

// InjectReject makes the next n accepted calls of a family end in a reject event.
func (b *Broker) InjectReject(family types.Family, n int) {
	b.rejectMu.Lock()
	defer b.rejectMu.Unlock()
	b.rejects[family] += n
}

func (b *Broker) takeReject(family types.Family) bool {
	b.rejectMu.Lock()
	defer b.rejectMu.Unlock()
	if b.rejects[family] > 0 {
		b.rejects[family]--
		return true
	}
	return false
}

// Submit simulates order submission.
func (b *Broker) Submit(params types.OrderParams) (types.Order, error) {
	if !b.IsConnected() {
		return nil, types.ErrNotConnected
	}
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, params.Amount)
	}
	if params.Side != types.SideLong && params.Side != types.SideShort {
		return nil, fmt.Errorf("%w: side %s", types.ErrInvalidParams, params.Side)
	}
	fillPrice := params.Price
	if fillPrice.IsZero() {
		p, ok := b.price(params.Instrument)
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInstrument, params.Instrument)
		}
		fillPrice = p
	}

	order := b.newOrder(params.Label, params.Instrument)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, params.Label)
	}
	b.mu.Lock()
	order.side = params.Side
	order.amount = params.Amount
	order.openPrice = fillPrice
	order.stopLoss = params.StopLoss
	order.takeProfit = params.TakeProfit
	order.goodTill = params.GoodTill
	b.mu.Unlock()

	b.logger.Info("paper order submitted",
		"order_id", order.id,
		"label", params.Label,
		"instrument", params.Instrument,
		"side", params.Side,
		"amount", params.Amount,
	)

	if b.takeReject(types.FamilySubmit) {
		b.schedule(order,
			step{kind: types.EventSubmitRejected, apply: func(*step) { order.state = types.OrderStateCanceled }},
		)
		return order, nil
	}

	if params.IsConditional() {
		b.schedule(order,
			step{kind: types.EventSubmitOK, apply: func(*step) { order.state = types.OrderStateOpened }},
			step{kind: types.EventSubmitConditionalOK},
		)
		return order, nil
	}

	b.schedule(order,
		step{kind: types.EventSubmitOK, apply: func(*step) { order.state = types.OrderStateOpened }},
		step{kind: types.EventFullyFilled, apply: func(*step) { order.state = types.OrderStateFilled }},
	)
	return order, nil
}

// Merge simulates merging filled orders of one instrument into a single order.
func (b *Broker) Merge(label string, orders []types.Order) (types.Order, error) {
	if !b.IsConnected() {
		return nil, types.ErrNotConnected
	}
	if len(orders) < 2 {
		return nil, fmt.Errorf("%w: need at least two orders, got %d", ErrMergeMismatch, len(orders))
	}

	sources := make([]*Order, 0, len(orders))
	instrument := orders[0].Instrument()
	hasSLTP := false
	for _, o := range orders {
		po, ok := o.(*Order)
		if !ok || po.broker != b {
			return nil, fmt.Errorf("%w: order %s is not a paper order", ErrMergeMismatch, o.ID())
		}
		if po.Instrument() != instrument {
			return nil, fmt.Errorf("%w: mixed instruments", ErrMergeMismatch)
		}
		if po.State() != types.OrderStateFilled {
			return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidState, po.ID(), po.State())
		}
		if !po.StopLoss().IsZero() || !po.TakeProfit().IsZero() {
			hasSLTP = true
		}
		sources = append(sources, po)
	}

	merged := b.newOrder(label, instrument)
	if merged == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, label)
	}

	b.logger.Info("paper merge requested",
		"order_id", merged.id,
		"label", label,
		"instrument", instrument,
		"orders", len(sources),
	)

	if (hasSLTP && b.cfg.RejectMergeWithSLTP) || b.takeReject(types.FamilyMerge) {
		b.schedule(merged,
			step{kind: types.EventMergeRejected, apply: func(*step) { merged.state = types.OrderStateCanceled }},
		)
		return merged, nil
	}

	// The resulting kind depends on the net amount at delivery time.
	b.schedule(merged, step{kind: types.EventMergeOK, apply: func(s *step) {
		net, weighted := netExposure(sources)
		for _, src := range sources {
			src.state = types.OrderStateClosed
		}
		if net.IsZero() {
			merged.state = types.OrderStateClosed
			merged.side = types.SideFlat
			s.kind = types.EventMergeCloseOK
			return
		}
		merged.state = types.OrderStateFilled
		merged.side = types.SideLong
		if net.IsNegative() {
			merged.side = types.SideShort
		}
		merged.amount = net.Abs()
		merged.openPrice = weighted.Div(net)
	}})
	return merged, nil
}

// Orders returns all known orders.
func (b *Broker) Orders() ([]types.Order, error) {
	if !b.IsConnected() {
		return nil, types.ErrNotConnected
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	orders := make([]types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

func (b *Broker) newOrder(label, instrument string) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	if label == "" {
		label = "paper-" + uuid.New().String()[:8]
	}
	if _, exists := b.labels[label]; exists {
		return nil
	}

	order := &Order{
		broker:     b,
		id:         uuid.New().String(),
		label:      label,
		instrument: instrument,
		state:      types.OrderStateCreated,
	}
	b.orders[order.id] = order
	b.labels[label] = order.id
	return order
}

// relabel must be called with b.mu held.
func (b *Broker) relabel(order *Order, label string) bool {
	if _, exists := b.labels[label]; exists {
		return false
	}
	delete(b.labels, order.label)
	b.labels[label] = order.id
	return true
}

func netExposure(orders []*Order) (net, weighted decimal.Decimal) {
	for _, o := range orders {
		signed := o.amount
		if o.side == types.SideShort {
			signed = signed.Neg()
		}
		net = net.Add(signed)
		weighted = weighted.Add(signed.Mul(o.openPrice))
	}
	return net, weighted
}

// step is one state transition plus the event that reports it. apply runs
// under the broker lock and may override the step's kind.
type step struct {
	kind  types.EventKind
	apply func(s *step)
}

func (b *Broker) schedule(order *Order, steps ...step) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(order, steps)
	}()
}

func (b *Broker) deliver(order *Order, steps []step) {
	select {
	case <-b.done:
		return
	case <-time.After(b.cfg.FillDelay):
	}

	for i := range steps {
		s := steps[i]
		b.mu.Lock()
		if s.apply != nil {
			s.apply(&s)
		}
		b.mu.Unlock()

		event := types.OrderEvent{
			Order:     order,
			Kind:      s.kind,
			Timestamp: time.Now(),
		}

		select {
		case <-b.done:
			return
		case b.events <- event:
		}

		b.logger.Debug("paper event delivered",
			"order_id", order.id,
			"kind", s.kind,
		)
	}
}

// Ensure Broker implements broker.Host
var _ broker.Host = (*Broker)(nil)
