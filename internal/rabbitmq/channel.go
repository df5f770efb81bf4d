package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/amqpull/consume"
)

// AMQPChannel is the part of *amqp.Channel the adapter drives
type AMQPChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Reject(tag uint64, requeue bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

type channelConfig struct {
	maxQueueSize      int
	logger            *slog.Logger
	meterProvider     metric.MeterProvider
	rejectLogInterval time.Duration
}

// ChannelOption configures a Channel
type ChannelOption func(*channelConfig)

// WithMaxQueueSize bounds every consumer mailbox on the channel; 0 is unbounded
func WithMaxQueueSize(size int) ChannelOption {
	return func(c *channelConfig) {
		c.maxQueueSize = size
	}
}

// WithChannelLogger sets the channel logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *channelConfig) {
		c.logger = logger
	}
}

// WithMeterProvider sets the meter provider for dispatch metrics
func WithMeterProvider(provider metric.MeterProvider) ChannelOption {
	return func(c *channelConfig) {
		c.meterProvider = provider
	}
}

// WithRejectLogInterval limits backpressure warnings per consumer
func WithRejectLogInterval(interval time.Duration) ChannelOption {
	return func(c *channelConfig) {
		c.rejectLogInterval = interval
	}
}

// Channel owns one AMQP channel and the dispatcher for its consumers.
// Deliveries from the broker are pumped into the dispatcher, one goroutine
// per consumer tag.
type Channel struct {
	id         int
	ch         AMQPChannel
	dispatcher *consume.Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pumps     map[string]chan struct{}
	canceling map[string]struct{}

	shutdownOnce sync.Once
}

// NewChannel wraps ch. id is used for logging and generated consumer tags.
func NewChannel(id int, ch AMQPChannel, options ...ChannelOption) (*Channel, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidConfiguration)
	}

	cfg := channelConfig{
		logger:            slog.Default(),
		rejectLogInterval: time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:        id,
		ch:        ch,
		logger:    cfg.logger.With("channel", id),
		ctx:       ctx,
		cancel:    cancel,
		pumps:     make(map[string]chan struct{}),
		canceling: make(map[string]struct{}),
	}

	dispatcherOptions := []consume.DispatcherOption{
		consume.WithCapacity(cfg.maxQueueSize),
		consume.WithLogger(c.logger),
		consume.WithRejectLogInterval(cfg.rejectLogInterval),
	}
	if cfg.meterProvider != nil {
		dispatcherOptions = append(dispatcherOptions, consume.WithMeterProvider(cfg.meterProvider))
	}

	dispatcher, err := consume.NewDispatcher(c, dispatcherOptions...)
	if err != nil {
		cancel()
		return nil, err
	}
	c.dispatcher = dispatcher

	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchClose(notify)

	return c, nil
}

// ID returns the channel identifier
func (c *Channel) ID() int {
	return c.id
}

// Dispatcher returns the dispatcher routing this channel's deliveries
func (c *Channel) Dispatcher() *consume.Dispatcher {
	return c.dispatcher
}

// Topology returns a topology manager bound to this channel
func (c *Channel) Topology() *TopologyManager {
	return NewTopologyManager(c.ch)
}

// Publisher returns a publisher bound to this channel
func (c *Channel) Publisher(options ...PublisherOption) *Publisher {
	return NewPublisher(c.ch, append([]PublisherOption{WithPublisherLogger(c.logger)}, options...)...)
}

// Reject implements consume.Channel
func (c *Channel) Reject(_ context.Context, deliveryTag uint64, requeue bool) error {
	if err := c.ch.Reject(deliveryTag, requeue); err != nil {
		return &ChannelError{Op: "reject", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Cancel implements consume.Channel. It returns once the broker confirmed
// the cancel and every delivery already sent for the tag has been
// dispatched, so nothing reaches the mailbox after the consumer detaches.
func (c *Channel) Cancel(ctx context.Context, consumerTag string) error {
	c.mu.Lock()
	c.canceling[consumerTag] = struct{}{}
	c.mu.Unlock()

	if err := c.ch.Cancel(consumerTag, false); err != nil {
		c.mu.Lock()
		delete(c.canceling, consumerTag)
		c.mu.Unlock()
		return &ChannelError{Op: "cancel", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	done := c.pumps[consumerTag]
	c.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BasicConsume starts a consumer on queue and returns its pull handle
func (c *Channel) BasicConsume(ctx context.Context, queue string, options ...ConsumeOption) (*consume.Consumer, error) {
	cfg := consumeConfig{
		waitForMessages: true,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	tag := cfg.consumerTag
	if tag == "" {
		tag = consume.NewConsumerTag(c.id)
	}
	args := cfg.arguments
	if args == nil {
		args = amqp.Table{}
	}

	consumerOptions := []consume.ConsumerOption{
		consume.WithWaitForMessages(cfg.waitForMessages),
		consume.WithTimeout(cfg.timeout),
		consume.WithAutoAck(cfg.autoAck),
		consume.WithPendingRegistration(!cfg.noWait),
		consume.WithConsumerLogger(c.logger.With("consumerTag", tag, "queue", queue)),
	}
	for _, fn := range cfg.onCancel {
		consumerOptions = append(consumerOptions, consume.WithOnCancel(fn))
	}

	consumer, err := c.dispatcher.Register(tag, consumerOptions...)
	if err != nil {
		return nil, c.consumerError(queue, tag, "register", err)
	}

	capacity := c.dispatcher.Capacity()
	switch {
	case capacity > 0 && !cfg.autoAck:
		if err := c.ch.Qos(capacity, 0, false); err != nil {
			_ = c.dispatcher.Unregister(ctx, tag)
			return nil, c.consumerError(queue, tag, "qos", err)
		}
	case capacity > 0 && cfg.autoAck:
		c.logger.Warn("auto-ack consumer with bounded mailbox, overflow will get the channel closed by the broker",
			"consumerTag", tag,
			"queue", queue,
			"capacity", capacity,
			"reason", "rejecting a settled delivery fails with 406 PRECONDITION_FAILED")
	}

	deliveries, err := c.ch.Consume(queue, tag, cfg.autoAck, cfg.exclusive, cfg.noLocal, cfg.noWait, args)
	if err != nil {
		_ = c.dispatcher.Unregister(ctx, tag)
		return nil, c.consumerError(queue, tag, "consume", err)
	}

	if !cfg.noWait {
		c.dispatcher.MarkRegistered(tag)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.pumps[tag] = done
	c.mu.Unlock()

	go c.pump(tag, deliveries, done)

	c.logger.Info("consumer started",
		"consumerTag", tag,
		"queue", queue,
		"autoAck", cfg.autoAck,
		"waitForMessages", cfg.waitForMessages,
		"timeout", cfg.timeout)

	return consumer, nil
}

// Close closes the AMQP channel and ends every consumer on it
func (c *Channel) Close() error {
	var err error
	if !c.ch.IsClosed() {
		if closeErr := c.ch.Close(); closeErr != nil {
			err = &ChannelError{Op: "close", ChannelID: c.id, Err: closeErr, Timestamp: time.Now()}
		}
	}
	c.shutdown()
	return err
}

func (c *Channel) pump(tag string, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		delete(c.pumps, tag)
		c.mu.Unlock()
		close(done)
	}()

	for d := range deliveries {
		// the broker requeues whatever is left once the channel is gone
		if c.dispatcher.Closed() {
			continue
		}
		c.dispatcher.Dispatch(c.ctx, consume.DeliveryFromAMQP(d))
	}

	c.mu.Lock()
	_, local := c.canceling[tag]
	delete(c.canceling, tag)
	c.mu.Unlock()

	if local || c.ch.IsClosed() || c.dispatcher.Closed() {
		c.logger.Debug("delivery stream ended", "consumerTag", tag)
		return
	}

	// basic.cancel from the broker, e.g. the queue was deleted
	if err := c.dispatcher.Detach(c.ctx, tag); err != nil {
		c.logger.Error("failed to requeue deliveries of canceled consumer",
			"consumerTag", tag,
			"error", err)
	}
}

func (c *Channel) watchClose(notify chan *amqp.Error) {
	if err, ok := <-notify; ok && err != nil {
		c.logger.Error("channel closed by broker",
			"code", err.Code,
			"reason", err.Reason)
	}
	c.shutdown()
}

func (c *Channel) shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.dispatcher.Close()
	})
}

func (c *Channel) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
