package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpull/internal/reliability"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	ch             AMQPChannel
	publishTimeout time.Duration
	policy         reliability.Backoff
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a publish, retries included, when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.policy = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, retries)
	}
}

// WithPublishBackoff sets the retry policy
func WithPublishBackoff(policy reliability.Backoff) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch AMQPChannel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		publishTimeout: 10 * time.Second,
		policy:         reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message, retrying transient failures
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	err := reliability.Retry(ctx, "publish", p.policy, func(ctx context.Context) error {
		err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil && IsFatal(err) {
			return reliability.Permanent(err)
		}
		if err != nil {
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"error", err)
		}
		return err
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"size", len(msg.Body))
	return nil
}
