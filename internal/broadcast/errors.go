package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryTimeout is matched by delivery errors for sends that missed
	// their deadline.
	ErrDeliveryTimeout = errors.New("broadcast: delivery timed out")

	// ErrDeliveryFailed is matched by delivery errors for sends that failed
	// for any other reason.
	ErrDeliveryFailed = errors.New("broadcast: delivery failed")
)

// DeliveryError records a failed send of one frame to one subscriber. The
// subscriber has been evicted by the time the error is reported.
type DeliveryError struct {
	// Subscriber is the ID of the evicted subscriber.
	Subscriber string

	// Seq is the sequence number of the frame that was not delivered.
	Seq uint64

	// Kind is [ErrDeliveryTimeout] or [ErrDeliveryFailed].
	Kind error

	// Err is the error returned by the send, if any.
	Err error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: frame %d to %s", e.Kind, e.Seq, e.Subscriber)
	}
	return fmt.Sprintf("%v: frame %d to %s: %v", e.Kind, e.Seq, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports whether the send missed its deadline.
func (e *DeliveryError) Timeout() bool {
	return errors.Is(e.Kind, ErrDeliveryTimeout)
}
