package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRejected      = errors.New("broker: order rejected")
	ErrRateLimited   = errors.New("broker: rate limited")
	ErrTimeout       = errors.New("broker: timeout")
	ErrNetwork       = errors.New("broker: network failure")
	ErrOrderNotFound = errors.New("broker: order not found")
	ErrNoPrice       = errors.New("broker: no price")

	// ErrUnavailable is returned once read retries are exhausted.
	ErrUnavailable = errors.New("broker: exchange unavailable")
)

// RejectedError carries the exchange's reason for refusing an order.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "broker: order rejected: " + e.Reason }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func Rejected(reason string) error { return &RejectedError{Reason: reason} }

// RejectReason extracts the exchange reason from a rejection.
func RejectReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsTransient reports whether err may clear on its own.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsUnknownOutcome reports whether a write may or may not have reached the
// exchange. The order must be left for reconciliation, never resent blindly.
func IsUnknownOutcome(err error) bool { return IsTransient(err) }

// OpError scopes an exchange error to a symbol and operation.
type OpError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
