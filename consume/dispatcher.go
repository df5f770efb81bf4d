package consume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/glimte/amqpull/mailbox"
)

// Outcome is what Dispatch did with a delivery
type Outcome int

const (
	// OutcomeAccepted means the delivery was buffered in the consumer mailbox
	OutcomeAccepted Outcome = iota
	// OutcomeRejected means the delivery was rejected and requeued to the broker
	OutcomeRejected
	// OutcomeUnroutable means no consumer is registered under the delivery's tag
	OutcomeUnroutable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnroutable:
		return "unroutable"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Stats is a snapshot of a consumer's dispatch counters
type Stats struct {
	Accepted              int64
	Rejected              int64
	ConsecutiveRejections int64
	Pending               int
	Capacity              int
}

type registration struct {
	consumer *Consumer
	mailbox  *mailbox.Mailbox[Delivery]
	autoAck  bool
	warn     *rate.Limiter

	accepted    *atomic.Int64
	rejected    *atomic.Int64
	consecutive *atomic.Int64
	suppressed  *atomic.Int64
}

// Dispatcher routes deliveries of one channel to consumer mailboxes
type Dispatcher struct {
	channel           Channel
	capacity          int
	logger            *slog.Logger
	meterProvider     metric.MeterProvider
	rejectLogInterval time.Duration
	metrics           *dispatchMetrics

	mu            sync.RWMutex
	registrations map[string]*registration
	gates         map[string]*gate
	closed        bool
}

// NewDispatcher creates a dispatcher that settles rejected deliveries on ch
func NewDispatcher(ch Channel, options ...DispatcherOption) (*Dispatcher, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidConfiguration)
	}

	d := &Dispatcher{
		channel:           ch,
		capacity:          0,
		logger:            slog.Default(),
		rejectLogInterval: time.Second,
		registrations:     make(map[string]*registration),
		gates:             make(map[string]*gate),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must not be negative", ErrInvalidConfiguration)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.meterProvider == nil {
		d.meterProvider = otel.GetMeterProvider()
	}

	metrics, err := newDispatchMetrics(d.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	d.metrics = metrics

	return d, nil
}

// Capacity returns the mailbox capacity given to every consumer
func (d *Dispatcher) Capacity() int {
	return d.capacity
}

// Register creates the mailbox and consumer for tag
func (d *Dispatcher) Register(tag string, options ...ConsumerOption) (*Consumer, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: consumer tag is required", ErrInvalidConfiguration)
	}

	cfg := consumerConfig{
		waitForMessages: true,
		logger:          d.logger,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfiguration)
	}

	mb, err := mailbox.New[Delivery](d.capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if _, exists := d.registrations[tag]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConsumer, tag)
	}

	consumer := newConsumer(d, tag, mb, cfg)
	d.registrations[tag] = &registration{
		consumer:    consumer,
		mailbox:     mb,
		autoAck:     cfg.autoAck,
		warn:        newWarnLimiter(d.rejectLogInterval),
		accepted:    atomic.NewInt64(0),
		rejected:    atomic.NewInt64(0),
		consecutive: atomic.NewInt64(0),
		suppressed:  atomic.NewInt64(0),
	}
	if cfg.pendingRegistration {
		d.gates[tag] = newGate()
	}

	d.logger.Debug("consumer registered",
		"consumerTag", tag,
		"capacity", d.capacity,
		"pendingRegistration", cfg.pendingRegistration,
	)

	return consumer, nil
}

// MarkRegistered releases deliveries held for tag until the broker
// acknowledged the consumer.
func (d *Dispatcher) MarkRegistered(tag string) {
	d.mu.RLock()
	g := d.gates[tag]
	d.mu.RUnlock()

	if g != nil {
		g.open()
	}
}

// Dispatch routes one delivery to the mailbox of the consumer it is
// addressed to. It never waits for mailbox room: a full mailbox gets the
// delivery rejected with requeue. The only wait is for a consumer whose
// registration has not been acknowledged yet.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) Outcome {
	tag := delivery.Envelope.ConsumerTag

	d.mu.RLock()
	reg, ok := d.registrations[tag]
	g := d.gates[tag]
	d.mu.RUnlock()

	if !ok {
		d.metrics.unroutable.Add(ctx, 1)
		d.logger.Error("delivery for unknown consumer",
			"error", ErrUnknownConsumer,
			"consumerTag", tag,
			"deliveryTag", delivery.Envelope.DeliveryTag,
			"exchange", delivery.Envelope.Exchange,
			"routingKey", delivery.Envelope.RoutingKey,
		)
		return OutcomeUnroutable
	}

	if g != nil {
		if err := g.wait(ctx); err != nil {
			d.reject(ctx, reg, delivery, "registration pending")
			return OutcomeRejected
		}
		d.removeGate(tag, g)
	}

	err := reg.mailbox.Enqueue(delivery)
	switch {
	case err == nil:
		reg.accepted.Inc()
		reg.consecutive.Store(0)
		d.metrics.accepted.Add(ctx, 1)
		return OutcomeAccepted
	case errors.Is(err, mailbox.ErrFull):
		d.reject(ctx, reg, delivery, "mailbox full")
	case errors.Is(err, mailbox.ErrDisposed):
		d.reject(ctx, reg, delivery, "consumer canceled")
	default:
		d.logger.Error("failed to buffer delivery", "consumerTag", tag, "error", err)
		d.reject(ctx, reg, delivery, "buffer failure")
	}
	return OutcomeRejected
}

// reject hands a delivery back to the broker for redelivery
func (d *Dispatcher) reject(ctx context.Context, reg *registration, delivery Delivery, reason string) {
	tag := delivery.Envelope.ConsumerTag
	reg.rejected.Inc()
	consecutive := reg.consecutive.Inc()
	d.metrics.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	if err := d.channel.Reject(ctx, delivery.Envelope.DeliveryTag, true); err != nil {
		d.logger.Error("failed to reject delivery",
			"consumerTag", tag,
			"deliveryTag", delivery.Envelope.DeliveryTag,
			"error", err,
		)
	}

	if !reg.warn.Allow() {
		reg.suppressed.Inc()
		d.logger.Debug("rejecting delivery",
			"consumerTag", tag,
			"deliveryTag", delivery.Envelope.DeliveryTag,
			"reason", reason,
		)
		return
	}

	d.logger.Warn("rejecting delivery",
		"consumerTag", tag,
		"deliveryTag", delivery.Envelope.DeliveryTag,
		"reason", reason,
		"consecutiveRejections", consecutive,
		"suppressed", reg.suppressed.Swap(0),
	)
}

func (d *Dispatcher) removeGate(tag string, g *gate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gates[tag] == g {
		delete(d.gates, tag)
	}
}

// Unregister removes the consumer registered under tag. Deliveries still
// buffered in its mailbox are requeued unless the consumer is auto-ack.
func (d *Dispatcher) Unregister(ctx context.Context, tag string) error {
	d.mu.Lock()
	reg, ok := d.registrations[tag]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.registrations, tag)
	g := d.gates[tag]
	delete(d.gates, tag)
	d.mu.Unlock()

	if g != nil {
		g.open()
	}

	return d.requeue(ctx, tag, reg, reg.mailbox.Dispose())
}

// Detach ends the consumer registered under tag after the broker canceled
// it. The consumer becomes canceled without a broker call, blocked fetches
// return ErrEndOfStream and buffered deliveries are requeued unless the
// consumer is auto-ack.
func (d *Dispatcher) Detach(ctx context.Context, tag string) error {
	d.mu.RLock()
	reg, ok := d.registrations[tag]
	d.mu.RUnlock()

	if !ok || !reg.consumer.detach() {
		return nil
	}

	err := d.Unregister(ctx, tag)
	reg.consumer.logger.Warn("consumer canceled by broker", "consumerTag", tag)
	reg.consumer.canceledHooks()
	return err
}

func (d *Dispatcher) requeue(ctx context.Context, tag string, reg *registration, leftovers []Delivery) error {
	if len(leftovers) == 0 {
		return nil
	}

	if reg.autoAck {
		d.logger.Warn("discarding buffered deliveries of auto-ack consumer",
			"consumerTag", tag,
			"count", len(leftovers),
		)
		return nil
	}

	var err error
	for _, delivery := range leftovers {
		if rejectErr := d.channel.Reject(ctx, delivery.Envelope.DeliveryTag, true); rejectErr != nil {
			err = multierr.Append(err, &ConsumerError{
				ConsumerTag: tag,
				Op:          "requeue",
				Err:         rejectErr,
				Timestamp:   time.Now(),
			})
		}
	}

	d.logger.Info("requeued buffered deliveries",
		"consumerTag", tag,
		"count", len(leftovers),
		"failed", len(multierr.Errors(err)),
	)
	return err
}

// Close detaches every consumer after the channel went away. Consumers
// become canceled without a broker call and blocked fetches return
// ErrEndOfStream. Buffered deliveries are dropped; the broker requeues
// unacknowledged deliveries of a closed channel on its own.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	registrations := d.registrations
	gates := d.gates
	d.registrations = make(map[string]*registration)
	d.gates = make(map[string]*gate)
	d.mu.Unlock()

	for _, g := range gates {
		g.open()
	}

	for tag, reg := range registrations {
		reg.consumer.detach()
		if dropped := len(reg.mailbox.Dispose()); dropped > 0 {
			d.logger.Debug("dropped buffered deliveries of closed channel",
				"consumerTag", tag,
				"count", dropped,
			)
		}
	}
}

// Closed reports whether Close has been called
func (d *Dispatcher) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Stats returns the dispatch counters of the consumer registered under tag
func (d *Dispatcher) Stats(tag string) (Stats, bool) {
	d.mu.RLock()
	reg, ok := d.registrations[tag]
	d.mu.RUnlock()

	if !ok {
		return Stats{}, false
	}

	return Stats{
		Accepted:              reg.accepted.Load(),
		Rejected:              reg.rejected.Load(),
		ConsecutiveRejections: reg.consecutive.Load(),
		Pending:               reg.mailbox.Len(),
		Capacity:              reg.mailbox.Cap(),
	}, true
}

// ConsumerTags returns the tags of all registered consumers
func (d *Dispatcher) ConsumerTags() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tags := make([]string, 0, len(d.registrations))
	for tag := range d.registrations {
		tags = append(tags, tag)
	}
	return tags
}

func newWarnLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
