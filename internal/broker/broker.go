// Package broker defines the trading host the order tasks run against.
package broker

import (
	"context"

	"github.com/tathienbao/ordertask/internal/types"
)

// ConnectionState represents the host connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Host is the trading platform. Calls execute synchronously and return an
// order handle; their outcome is reported later on the Events stream.
type Host interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// Order calls
	Submit(params types.OrderParams) (types.Order, error)
	Merge(label string, orders []types.Order) (types.Order, error)

	// Orders returns every order the host currently knows about.
	Orders() ([]types.Order, error)

	// Events is the single long-lived push stream of order events. It is
	// closed on Disconnect.
	Events() <-chan types.OrderEvent
}
