// Package order composes correlated host calls into order operations: single
// order changes, batches, the cancel-SL/TP-and-merge pipeline and
// position-level merge and close.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

// Operation identifies a single-order operation.
type Operation int

const (
	OpSubmit Operation = iota + 1
	OpMerge
	OpClose
	OpSetLabel
	OpSetGTT
	OpSetAmount
	OpSetOpenPrice
	OpSetSL
	OpSetTP
)

var operationFamilies = map[Operation]types.Family{
	OpSubmit:       types.FamilySubmit,
	OpMerge:        types.FamilyMerge,
	OpClose:        types.FamilyClose,
	OpSetLabel:     types.FamilyLabel,
	OpSetGTT:       types.FamilyGTT,
	OpSetAmount:    types.FamilyAmount,
	OpSetOpenPrice: types.FamilyOpenPrice,
	OpSetSL:        types.FamilySL,
	OpSetTP:        types.FamilyTP,
}

// Family returns the event family that resolves the operation.
func (o Operation) Family() types.Family {
	return operationFamilies[o]
}

func (o Operation) String() string {
	if f, ok := operationFamilies[o]; ok {
		return f.String()
	}
	return "unknown"
}

// Payload is the operation-specific part of Params.
type Payload interface {
	Operation() Operation
}

// SubmitPayload submits a new order.
type SubmitPayload struct {
	Order types.OrderParams
}

// MergePayload merges orders of one instrument under a new label.
type MergePayload struct {
	Label  string
	Orders []types.Order
}

// ClosePayload closes an order. A zero Amount closes all of it.
type ClosePayload struct {
	Order  types.Order
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// LabelPayload renames an order.
type LabelPayload struct {
	Order types.Order
	Label string
}

// GTTPayload changes an order's good-till time.
type GTTPayload struct {
	Order types.Order
	GTT   time.Time
}

// AmountPayload changes an order's requested amount.
type AmountPayload struct {
	Order  types.Order
	Amount decimal.Decimal
}

// OpenPricePayload changes an order's open price.
type OpenPricePayload struct {
	Order types.Order
	Price decimal.Decimal
}

// StopLossPayload sets an order's stop loss. Zero cancels it.
type StopLossPayload struct {
	Order types.Order
	Price decimal.Decimal
}

// TakeProfitPayload sets an order's take profit. Zero cancels it.
type TakeProfitPayload struct {
	Order types.Order
	Price decimal.Decimal
}

func (SubmitPayload) Operation() Operation     { return OpSubmit }
func (MergePayload) Operation() Operation      { return OpMerge }
func (ClosePayload) Operation() Operation      { return OpClose }
func (LabelPayload) Operation() Operation      { return OpSetLabel }
func (GTTPayload) Operation() Operation        { return OpSetGTT }
func (AmountPayload) Operation() Operation     { return OpSetAmount }
func (OpenPricePayload) Operation() Operation  { return OpSetOpenPrice }
func (StopLossPayload) Operation() Operation   { return OpSetSL }
func (TakeProfitPayload) Operation() Operation { return OpSetTP }

// Params is an immutable description of one requested operation.
type Params struct {
	payload   Payload
	retry     task.RetryPolicy
	callbacks map[types.EventKind]func(types.OrderEvent)
}

// Option configures Params.
type Option func(*Params) error

// WithRetry sets the retry policy.
func WithRetry(policy task.RetryPolicy) Option {
	return func(p *Params) error {
		if policy.MaxRetries < 0 || policy.Delay < 0 {
			return fmt.Errorf("%w: negative retry policy", types.ErrInvalidParams)
		}
		p.retry = policy
		return nil
	}
}

// On registers fn for events of kind. The kind must belong to the
// operation's family.
func On(kind types.EventKind, fn func(types.OrderEvent)) Option {
	return func(p *Params) error {
		family := p.payload.Operation().Family()
		if !types.KindsOf(family).Contains(kind) {
			return fmt.Errorf("%w: %s for %s", types.ErrUnknownEventKind, kind, family)
		}
		if fn == nil {
			return fmt.Errorf("%w: nil callback for %s", types.ErrInvalidParams, kind)
		}
		p.callbacks[kind] = fn
		return nil
	}
}

// NewParams validates payload and applies opts.
func NewParams(payload Payload, opts ...Option) (Params, error) {
	if err := validate(payload); err != nil {
		return Params{}, err
	}

	p := Params{
		payload:   payload,
		callbacks: make(map[types.EventKind]func(types.OrderEvent)),
	}
	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// Payload returns the operation payload.
func (p Params) Payload() Payload { return p.payload }

// Operation returns the operation kind, zero for params built without
// NewParams.
func (p Params) Operation() Operation {
	if p.payload == nil {
		return 0
	}
	return p.payload.Operation()
}

// Retry returns the retry policy.
func (p Params) Retry() task.RetryPolicy { return p.retry }

// callback returns the handler for kind, if any.
func (p Params) callback(kind types.EventKind) (func(types.OrderEvent), bool) {
	fn, ok := p.callbacks[kind]
	return fn, ok
}

func validate(payload Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", types.ErrInvalidParams)
	}

	switch pl := payload.(type) {
	case SubmitPayload:
		if pl.Order.Instrument == "" {
			return fmt.Errorf("%w: submit without instrument", types.ErrInvalidParams)
		}
		if !pl.Order.Amount.IsPositive() {
			return fmt.Errorf("%w: submit amount %s", types.ErrInvalidParams, pl.Order.Amount)
		}
	case MergePayload:
		if len(pl.Orders) < 2 {
			return fmt.Errorf("%w: merge needs at least two orders", types.ErrInvalidParams)
		}
		if pl.Label == "" {
			return fmt.Errorf("%w: merge without label", types.ErrInvalidParams)
		}
	case ClosePayload:
		if pl.Amount.IsNegative() {
			return fmt.Errorf("%w: close amount %s", types.ErrInvalidParams, pl.Amount)
		}
	case LabelPayload:
		if pl.Label == "" {
			return fmt.Errorf("%w: empty label", types.ErrInvalidParams)
		}
	case AmountPayload:
		if !pl.Amount.IsPositive() {
			return fmt.Errorf("%w: amount %s", types.ErrInvalidParams, pl.Amount)
		}
	}

	if target := targetOrder(payload); target == nil && payload.Operation() != OpSubmit && payload.Operation() != OpMerge {
		return fmt.Errorf("%w: %s without order", types.ErrInvalidParams, payload.Operation())
	}
	return nil
}

// targetOrder returns the single order an operation changes, if any.
func targetOrder(payload Payload) types.Order {
	switch pl := payload.(type) {
	case ClosePayload:
		return pl.Order
	case LabelPayload:
		return pl.Order
	case GTTPayload:
		return pl.Order
	case AmountPayload:
		return pl.Order
	case OpenPricePayload:
		return pl.Order
	case StopLossPayload:
		return pl.Order
	case TakeProfitPayload:
		return pl.Order
	default:
		return nil
	}
}

// StopLossForPips returns a stop loss payload pips away from the order's open
// price, against its side.
func StopLossForPips(order types.Order, pips decimal.Decimal) (StopLossPayload, error) {
	price, err := priceForPips(order, pips.Neg())
	if err != nil {
		return StopLossPayload{}, err
	}
	return StopLossPayload{Order: order, Price: price}, nil
}

// TakeProfitForPips returns a take profit payload pips away from the order's
// open price, in its side's favour.
func TakeProfitForPips(order types.Order, pips decimal.Decimal) (TakeProfitPayload, error) {
	price, err := priceForPips(order, pips)
	if err != nil {
		return TakeProfitPayload{}, err
	}
	return TakeProfitPayload{Order: order, Price: price}, nil
}

func priceForPips(order types.Order, pips decimal.Decimal) (decimal.Decimal, error) {
	if order == nil {
		return decimal.Zero, fmt.Errorf("%w: nil order", types.ErrInvalidParams)
	}
	spec, ok := types.GetInstrumentSpec(order.Instrument())
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrInvalidInstrument, order.Instrument())
	}
	if pips.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero pips", types.ErrInvalidParams)
	}
	return types.PriceForPips(spec, order.Side(), order.OpenPrice(), pips), nil
}
