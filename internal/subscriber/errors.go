package subscriber

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fragnet/internal/events"
)

var (
	// ErrJoinFailed is returned when a join got no answer in time. The join
	// can be retried.
	ErrJoinFailed = errors.New("join failed")
	// ErrNotDelivered is returned when a round for the requested fragment
	// ended without this peer among the receivers.
	ErrNotDelivered = errors.New("fragment not delivered")
	// ErrDeliveryTimeout is returned when no delivery arrived in time.
	ErrDeliveryTimeout = errors.New("fragment delivery timed out")
	// ErrRegistrationLost is returned to calls in flight when the tracker
	// went away.
	ErrRegistrationLost = errors.New("registration lost")
	// ErrSubscriptionEnded is the Error state cause when the bus stopped
	// delivering events, such as a dropped tracker connection.
	ErrSubscriptionEnded = errors.New("bus subscription ended")
)

// JoinDeniedError carries the tracker's refusal.
type JoinDeniedError struct {
	Event events.JoinDenied
}

func (e *JoinDeniedError) Error() string {
	if e.Event.Message == "" {
		return fmt.Sprintf("join denied: %s", e.Event.Reason)
	}
	return fmt.Sprintf("join denied: %s: %s", e.Event.Reason, e.Event.Message)
}

// Reason returns the denial reason code.
func (e *JoinDeniedError) Reason() events.DenyReason { return e.Event.Reason }
