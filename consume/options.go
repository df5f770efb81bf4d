package consume

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// DispatcherOption configures the dispatcher
type DispatcherOption func(*Dispatcher)

// WithCapacity sets the capacity of every consumer mailbox; 0 is unbounded
func WithCapacity(capacity int) DispatcherOption {
	return func(d *Dispatcher) {
		d.capacity = capacity
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMeterProvider sets the meter provider used for dispatch metrics
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.meterProvider = provider
	}
}

// WithRejectLogInterval limits backpressure warnings to one per interval per
// consumer. Rejections in between are logged at debug level. Zero logs
// every rejection as a warning.
func WithRejectLogInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.rejectLogInterval = interval
	}
}

type consumerConfig struct {
	waitForMessages     bool
	timeout             time.Duration
	autoAck             bool
	pendingRegistration bool
	logger              *slog.Logger
	onCancel            []func()
}

// ConsumerOption configures a consumer at registration
type ConsumerOption func(*consumerConfig)

// WithWaitForMessages controls whether Fetch waits on an empty mailbox.
// When false the consumer drains what is buffered, then cancels itself.
// It takes precedence over WithTimeout.
func WithWaitForMessages(wait bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.waitForMessages = wait
	}
}

// WithTimeout bounds how long Fetch waits on an empty mailbox; 0 waits forever
func WithTimeout(timeout time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.timeout = timeout
	}
}

// WithAutoAck records that the broker settles deliveries on send.
// Buffered deliveries of such a consumer cannot be requeued on cancel.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.autoAck = autoAck
	}
}

// WithPendingRegistration holds deliveries for the consumer until
// Dispatcher.MarkRegistered is called for its tag.
func WithPendingRegistration(pending bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.pendingRegistration = pending
	}
}

// WithConsumerLogger sets the consumer logger; defaults to the dispatcher's
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithOnCancel runs fn once the consumer was canceled, locally or by the
// broker. It does not run when the whole channel goes away.
func WithOnCancel(fn func()) ConsumerOption {
	return func(c *consumerConfig) {
		if fn != nil {
			c.onCancel = append(c.onCancel, fn)
		}
	}
}
