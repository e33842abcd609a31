// Package types defines shared types used across the order task system.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// OrderState represents the host-side state of an order.
type OrderState int

const (
	OrderStateCreated OrderState = iota
	OrderStateOpened
	OrderStateFilled
	OrderStateClosed
	OrderStateCanceled
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "CREATED"
	case OrderStateOpened:
		return "OPENED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateClosed:
		return "CLOSED"
	case OrderStateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order can no longer change.
func (s OrderState) IsFinal() bool {
	return s == OrderStateClosed || s == OrderStateCanceled
}

// Order is a host-owned order handle. Getters read the current host state;
// mutators issue a synchronous host call whose outcome arrives later as an
// OrderEvent on the host's event stream.
type Order interface {
	ID() string
	Label() string
	Instrument() string
	Side() Side
	State() OrderState
	Amount() decimal.Decimal
	OpenPrice() decimal.Decimal
	StopLoss() decimal.Decimal
	TakeProfit() decimal.Decimal
	GoodTillTime() time.Time

	Close(amount, price decimal.Decimal) error
	SetLabel(label string) error
	SetGoodTillTime(gtt time.Time) error
	SetRequestedAmount(amount decimal.Decimal) error
	SetOpenPrice(price decimal.Decimal) error
	SetStopLoss(price decimal.Decimal) error
	SetTakeProfit(price decimal.Decimal) error
}

// OrderParams describes a new order to submit.
type OrderParams struct {
	Label      string
	Instrument string
	Side       Side
	Amount     decimal.Decimal
	Price      decimal.Decimal // zero means market order
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	GoodTill   time.Time
}

// IsConditional returns true for orders that rest on the book until a price is hit.
func (p OrderParams) IsConditional() bool {
	return !p.Price.IsZero()
}

// Values meaning "no protective order" for SL and TP.
var (
	NoStopLoss   = decimal.Zero
	NoTakeProfit = decimal.Zero
)

// InstrumentSpec defines the specifications of a trading instrument.
type InstrumentSpec struct {
	Symbol   string
	PipSize  decimal.Decimal // Price movement of one pip
	TickSize decimal.Decimal // Minimum price movement
}

// Common instrument specifications.
var (
	InstrumentEURUSD = InstrumentSpec{
		Symbol:   "EUR/USD",
		PipSize:  decimal.RequireFromString("0.0001"),
		TickSize: decimal.RequireFromString("0.00001"),
	}

	InstrumentGBPUSD = InstrumentSpec{
		Symbol:   "GBP/USD",
		PipSize:  decimal.RequireFromString("0.0001"),
		TickSize: decimal.RequireFromString("0.00001"),
	}

	InstrumentUSDJPY = InstrumentSpec{
		Symbol:   "USD/JPY",
		PipSize:  decimal.RequireFromString("0.01"),
		TickSize: decimal.RequireFromString("0.001"),
	}

	InstrumentXAUUSD = InstrumentSpec{
		Symbol:   "XAU/USD",
		PipSize:  decimal.RequireFromString("0.01"),
		TickSize: decimal.RequireFromString("0.001"),
	}
)

// GetInstrumentSpec returns the specification for a symbol.
func GetInstrumentSpec(symbol string) (InstrumentSpec, bool) {
	switch symbol {
	case InstrumentEURUSD.Symbol:
		return InstrumentEURUSD, true
	case InstrumentGBPUSD.Symbol:
		return InstrumentGBPUSD, true
	case InstrumentUSDJPY.Symbol:
		return InstrumentUSDJPY, true
	case InstrumentXAUUSD.Symbol:
		return InstrumentXAUUSD, true
	default:
		return InstrumentSpec{}, false
	}
}

// PriceForPips returns the price pips away from base in the profit direction
// of side. Negative pips move against the side.
func PriceForPips(spec InstrumentSpec, side Side, base, pips decimal.Decimal) decimal.Decimal {
	offset := spec.PipSize.Mul(pips)
	if side == SideShort {
		return base.Sub(offset)
	}
	return base.Add(offset)
}
