package consume

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEndOfStream signals that a consumer has nothing more to give.
	// It is a normal termination, not a failure.
	ErrEndOfStream = errors.New("consume: end of stream")

	ErrConsumerTimeout      = errors.New("consume: consumer timeout")
	ErrDuplicateConsumer    = errors.New("consume: consumer tag already registered")
	ErrUnknownConsumer      = errors.New("consume: unknown consumer tag")
	ErrDispatcherClosed     = errors.New("consume: dispatcher is closed")
	ErrInvalidConfiguration = errors.New("consume: invalid configuration")
	ErrNoAcknowledger       = errors.New("consume: delivery has no acknowledger")
)

// TimeoutError is returned by Fetch when no message arrived within the
// consumer's timeout. It matches ErrConsumerTimeout.
type TimeoutError struct {
	ConsumerTag string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("consume: could not get a message for consumer %s in %v", e.ConsumerTag, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrConsumerTimeout
}

// ConsumerError represents a failed consumer operation
type ConsumerError struct {
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consume: %s failed for consumer %s: %v", e.Op, e.ConsumerTag, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}
