// Package persistence journals order events, order snapshots and task
// outcomes.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/types"
)

// Repository defines the interface for journal storage.
type Repository interface {
	// Event operations
	SaveEvent(ctx context.Context, event EventRecord) error
	GetOrderEvents(ctx context.Context, orderID string) ([]EventRecord, error)
	GetEvents(ctx context.Context, from, to time.Time) ([]EventRecord, error)

	// Order operations
	SaveOrder(ctx context.Context, order OrderSnapshot) error
	GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error)
	GetLiveOrders(ctx context.Context) ([]OrderSnapshot, error)

	// Task operations
	SaveTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	GetTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]TaskRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// EventRecord is one journaled host event.
type EventRecord struct {
	ID         int64
	OrderID    string
	Label      string
	Instrument string
	Kind       string
	Family     string
	Message    string
	Timestamp  time.Time
}

// NewEventRecord builds the journal record of ev.
func NewEventRecord(ev types.OrderEvent) EventRecord {
	rec := EventRecord{
		OrderID:   ev.OrderID(),
		Kind:      ev.Kind.String(),
		Family:    types.FamilyOf(ev.Kind).String(),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.Order != nil {
		rec.Label = ev.Order.Label()
		rec.Instrument = ev.Order.Instrument()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}

// OrderSnapshot is the last known state of an order.
type OrderSnapshot struct {
	OrderID    string
	Label      string
	Instrument string
	Side       types.Side
	State      types.OrderState
	Amount     decimal.Decimal
	OpenPrice  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	UpdatedAt  time.Time
}

// NewOrderSnapshot captures the current state of order.
func NewOrderSnapshot(order types.Order) OrderSnapshot {
	return OrderSnapshot{
		OrderID:    order.ID(),
		Label:      order.Label(),
		Instrument: order.Instrument(),
		Side:       order.Side(),
		State:      order.State(),
		Amount:     order.Amount(),
		OpenPrice:  order.OpenPrice(),
		StopLoss:   order.StopLoss(),
		TakeProfit: order.TakeProfit(),
		UpdatedAt:  time.Now(),
	}
}

// TaskStatus is the lifecycle status of a journaled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// TaskRecord is the journal entry of one top-level task.
type TaskRecord struct {
	ID         string
	Operation  string
	Status     TaskStatus
	Error      string
	Events     []EventSummary
	StartedAt  time.Time
	FinishedAt *time.Time
}

// EventSummary is the compact form of a resolving event stored with its task.
type EventSummary struct {
	OrderID string `json:"order_id"`
	Kind    string `json:"kind"`
}
