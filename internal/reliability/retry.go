package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff decides whether a failed broker operation is attempted again and
// how long to wait before doing so.
type Backoff interface {
	// Next returns the delay before attempt+1, or false to give up.
	// attempt counts from 0 for the first failure.
	Next(attempt int, err error) (time.Duration, bool)
}

// ExponentialBackoff grows the delay geometrically up to Max
type ExponentialBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int     // negative retries forever
	Jitter      float64 // fraction of the delay randomised, 0 disables
}

// NewExponentialBackoff creates an exponential policy with ±15% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:     initial,
		Max:         max,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
		Jitter:      0.3,
	}
}

// Delay returns the wait before the attempt following failure number attempt
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += (rand.Float64() - 0.5) * b.Jitter * delay
	}

	return time.Duration(delay)
}

// Next implements Backoff
func (b *ExponentialBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if b.MaxAttempts >= 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	if IsPermanent(err) {
		return 0, false
	}
	return b.Delay(attempt), true
}

// ConstantBackoff waits the same interval between attempts
type ConstantBackoff struct {
	Interval    time.Duration
	MaxAttempts int
}

// Next implements Backoff
func (b ConstantBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if b.MaxAttempts >= 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	if IsPermanent(err) {
		return 0, false
	}
	return b.Interval, true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryError is returned once a policy gives up
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends
func Retry(ctx context.Context, op string, policy Backoff, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, ok := policy.Next(attempt, err)
		if !ok {
			return &RetryError{Op: op, Attempts: attempt + 1, Err: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
