package paper

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/types"
)

// Order is a paper order handle. All fields are guarded by the owning
// broker's mutex.
type Order struct {
	broker *Broker

	id         string
	label      string
	instrument string
	state      types.OrderState
	side       types.Side
	amount     decimal.Decimal
	openPrice  decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	goodTill   time.Time
}

func (o *Order) ID() string { return o.id }

func (o *Order) Instrument() string { return o.instrument }

func (o *Order) Label() string {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.label
}

func (o *Order) State() types.OrderState {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.state
}

func (o *Order) Side() types.Side {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.side
}

func (o *Order) Amount() decimal.Decimal {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.amount
}

func (o *Order) OpenPrice() decimal.Decimal {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.openPrice
}

func (o *Order) StopLoss() decimal.Decimal {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.stopLoss
}

func (o *Order) TakeProfit() decimal.Decimal {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.takeProfit
}

func (o *Order) GoodTillTime() time.Time {
	o.broker.mu.RLock()
	defer o.broker.mu.RUnlock()
	return o.goodTill
}

// Close closes amount of the order, or all of it when amount is zero or not
// less than the order amount. Closing an opened order cancels it.
func (o *Order) Close(amount, price decimal.Decimal) error {
	if err := o.checkLive(types.OrderStateOpened, types.OrderStateFilled); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	b := o.broker
	b.logger.Info("paper close requested", "order_id", o.id, "amount", amount, "price", price)

	if b.takeReject(types.FamilyClose) {
		b.schedule(o, step{kind: types.EventCloseRejected})
		return nil
	}

	b.schedule(o, step{kind: types.EventCloseOK, apply: func(s *step) {
		if !amount.IsZero() && amount.LessThan(o.amount) && o.state == types.OrderStateFilled {
			o.amount = o.amount.Sub(amount)
			s.kind = types.EventPartialCloseOK
			return
		}
		if o.state == types.OrderStateOpened {
			o.state = types.OrderStateCanceled
			return
		}
		o.state = types.OrderStateClosed
	}})
	return nil
}

// SetLabel renames the order. Labels are unique per host.
func (o *Order) SetLabel(label string) error {
	if err := o.checkLive(types.OrderStateCreated, types.OrderStateOpened, types.OrderStateFilled); err != nil {
		return err
	}
	if label == "" {
		return fmt.Errorf("%w: empty label", types.ErrInvalidParams)
	}

	b := o.broker
	if b.takeReject(types.FamilyLabel) {
		b.schedule(o, step{kind: types.EventChangeLabelRejected})
		return nil
	}

	b.schedule(o, step{kind: types.EventChangedLabel, apply: func(s *step) {
		if !b.relabel(o, label) {
			s.kind = types.EventChangeLabelRejected
			return
		}
		o.label = label
	}})
	return nil
}

// SetGoodTillTime changes the expiry of an opened order.
func (o *Order) SetGoodTillTime(gtt time.Time) error {
	if err := o.checkLive(types.OrderStateOpened); err != nil {
		return err
	}
	return o.change(types.FamilyGTT, types.EventChangedGTT, types.EventChangeGTTRejected, func() {
		o.goodTill = gtt
	})
}

// SetRequestedAmount changes the amount of an opened order.
func (o *Order) SetRequestedAmount(amount decimal.Decimal) error {
	if err := o.checkLive(types.OrderStateOpened); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return o.change(types.FamilyAmount, types.EventChangedAmount, types.EventChangeAmountRejected, func() {
		o.amount = amount
	})
}

// SetOpenPrice changes the entry price of an opened order.
func (o *Order) SetOpenPrice(price decimal.Decimal) error {
	if err := o.checkLive(types.OrderStateOpened); err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: open price %s", types.ErrInvalidParams, price)
	}
	return o.change(types.FamilyOpenPrice, types.EventChangedOpenPrice, types.EventChangeOpenPriceRejected, func() {
		o.openPrice = price
	})
}

// SetStopLoss sets the stop loss price. Zero removes it.
func (o *Order) SetStopLoss(price decimal.Decimal) error {
	if err := o.checkLive(types.OrderStateOpened, types.OrderStateFilled); err != nil {
		return err
	}
	return o.change(types.FamilySL, types.EventChangedSL, types.EventChangeSLRejected, func() {
		o.stopLoss = price
	})
}

// SetTakeProfit sets the take profit price. Zero removes it.
func (o *Order) SetTakeProfit(price decimal.Decimal) error {
	if err := o.checkLive(types.OrderStateOpened, types.OrderStateFilled); err != nil {
		return err
	}
	return o.change(types.FamilyTP, types.EventChangedTP, types.EventChangeTPRejected, func() {
		o.takeProfit = price
	})
}

func (o *Order) change(family types.Family, ok, rejected types.EventKind, apply func()) error {
	b := o.broker
	b.logger.Info("paper change requested", "order_id", o.id, "family", family)

	if b.takeReject(family) {
		b.schedule(o, step{kind: rejected})
		return nil
	}
	b.schedule(o, step{kind: ok, apply: func(*step) { apply() }})
	return nil
}

func (o *Order) checkLive(allowed ...types.OrderState) error {
	if !o.broker.IsConnected() {
		return types.ErrNotConnected
	}
	state := o.State()
	for _, s := range allowed {
		if s == state {
			return nil
		}
	}
	return fmt.Errorf("%w: order %s is %s", ErrInvalidState, o.id, state)
}

// Ensure Order implements types.Order
var _ types.Order = (*Order)(nil)
