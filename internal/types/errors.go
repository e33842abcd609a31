package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the order task system.
var (
	// Correlation errors
	ErrDuplicateRegistration = errors.New("order already has a pending registration for this family")
	ErrGatewayStopped        = errors.New("event gateway stopped")
	ErrGatewayNotStarted     = errors.New("event gateway not started")
	ErrRegistrationOverflow  = errors.New("registration buffer full, terminal event lost")
	ErrRegistrationRemoved   = errors.New("registration removed")

	// Execution errors
	ErrExecutorStopped = errors.New("call executor stopped")
	ErrNoOrderHandle   = errors.New("host call returned no order")

	// Request errors
	ErrInvalidParams    = errors.New("invalid task parameters")
	ErrUnknownEventKind = errors.New("event kind not valid for operation")
	ErrNoOrders         = errors.New("no orders to process")

	// Host errors
	ErrNotConnected = errors.New("host not connected")

	// Validation errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidInstrument = errors.New("invalid instrument")
)

// HostError is a synchronous failure of a host call. It is never retried.
type HostError struct {
	Family Family
	Err    error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host call %s failed: %v", e.Family, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// RejectError reports a call the host accepted but later rejected. It is
// retryable per policy.
type RejectError struct {
	Event OrderEvent
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.Event.OrderID(), e.Event.Kind)
}

// StageError tags a pipeline failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// MemberError tags a batch failure with the member that produced it.
type MemberError struct {
	Index   int
	OrderID string
	Err     error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("batch member %d (order %s): %v", e.Index, e.OrderID, e.Err)
}

func (e *MemberError) Unwrap() error {
	return e.Err
}

// IsReject returns true if err is or wraps a RejectError.
func IsReject(err error) bool {
	var reject *RejectError
	return errors.As(err, &reject)
}

// IsHostError returns true if err is or wraps a HostError.
func IsHostError(err error) bool {
	var host *HostError
	return errors.As(err, &host)
}
