// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amqpull

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/glimte/amqpull/consume"
	"github.com/glimte/amqpull/internal/rabbitmq"
)

type (
	// Channel is an AMQP channel whose consumers are pulled from bounded mailboxes
	Channel = rabbitmq.Channel
	// ChannelOption configures a Channel
	ChannelOption = rabbitmq.ChannelOption
	// ConsumeOption configures a consumer
	ConsumeOption = rabbitmq.ConsumeOption
	// QueueDeclaration defines a queue to be declared
	QueueDeclaration = rabbitmq.QueueDeclaration
)

// Consume options
var (
	WithConsumerTag      = rabbitmq.WithConsumerTag
	WithAutoAck          = rabbitmq.WithAutoAck
	WithExclusive        = rabbitmq.WithExclusive
	WithNoLocal          = rabbitmq.WithNoLocal
	WithNoWait           = rabbitmq.WithNoWait
	WithArguments        = rabbitmq.WithArguments
	WithWaitForMessages  = rabbitmq.WithWaitForMessages
	WithConsumeTimeout   = rabbitmq.WithConsumeTimeout
	WithChannelQueueSize = rabbitmq.WithMaxQueueSize
	WithOnCancel         = rabbitmq.WithOnCancel
)

// Client provides the main entry point for amqpull
type Client struct {
	conn        *rabbitmq.ConnectionManager
	cfg         clientConfig
	logger      *slog.Logger
	openChannel func(ctx context.Context, options ...rabbitmq.ChannelOption) (*rabbitmq.Channel, error)

	mu        sync.Mutex
	channels  []*rabbitmq.Channel
	publisher *rabbitmq.Channel
	closed    bool
}

// NewClient connects to the broker at url
func NewClient(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		logger:            slog.Default(),
		rejectLogInterval: time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.maxQueueSize < 0 {
		return nil, fmt.Errorf("%w: max queue size must not be negative", consume.ErrInvalidConfiguration)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)
	conn := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	return newClient(conn, cfg), nil
}

func newClient(conn *rabbitmq.ConnectionManager, cfg clientConfig) *Client {
	return &Client{
		conn:        conn,
		cfg:         cfg,
		logger:      cfg.logger,
		openChannel: conn.Channel,
	}
}

// Channel opens a channel with the client's mailbox defaults; options override them
func (c *Client) Channel(ctx context.Context, options ...ChannelOption) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	ch, err := c.openChannel(ctx, append(c.channelOptions(), options...)...)
	if err != nil {
		return nil, err
	}

	// channels the broker closed have nothing left to release
	c.channels = slices.DeleteFunc(c.channels, func(open *rabbitmq.Channel) bool {
		return open.Dispatcher().Closed()
	})
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Consume opens a dedicated channel and starts a consumer on queue. The
// channel is closed once the consumer is canceled, so messages must be
// settled before the stream ends.
func (c *Client) Consume(ctx context.Context, queue string, options ...ConsumeOption) (*consume.Consumer, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}

	release := func() {
		if err := c.release(ch); err != nil {
			c.logger.Warn("failed to close consumer channel", "channel", ch.ID(), "error", err)
		}
	}
	options = append(slices.Clip(options), rabbitmq.WithOnCancel(release))

	consumer, err := ch.BasicConsume(ctx, queue, options...)
	if err != nil {
		return nil, multierr.Append(err, c.release(ch))
	}
	return consumer, nil
}

// DeclareQueue declares a queue on the client's publishing channel
func (c *Client) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := c.publishChannel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return ch.Topology().DeclareQueue(ctx, queue)
}

// Publish sends body to queue through the default exchange
func (c *Client) Publish(ctx context.Context, queue string, body []byte, contentType string) error {
	ch, err := c.publishChannel(ctx)
	if err != nil {
		return err
	}
	return ch.Publisher().Publish(ctx, "", queue, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Close closes every channel opened by the client, then the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.publisher = nil
	c.mu.Unlock()

	var err error
	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}
	err = multierr.Append(err, c.conn.Close())

	c.logger.Info("client closed", "channels", len(channels))
	return err
}

func (c *Client) publishChannel(ctx context.Context) (*rabbitmq.Channel, error) {
	c.mu.Lock()
	ch := c.publisher
	c.mu.Unlock()

	if ch != nil && !ch.Dispatcher().Closed() {
		return ch, nil
	}

	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.publisher = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *Client) release(ch *rabbitmq.Channel) error {
	c.mu.Lock()
	for i, open := range c.channels {
		if open == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return ch.Close()
}

func (c *Client) channelOptions() []rabbitmq.ChannelOption {
	options := []rabbitmq.ChannelOption{
		rabbitmq.WithMaxQueueSize(c.cfg.maxQueueSize),
		rabbitmq.WithChannelLogger(c.logger),
		rabbitmq.WithRejectLogInterval(c.cfg.rejectLogInterval),
	}
	if c.cfg.meterProvider != nil {
		options = append(options, rabbitmq.WithMeterProvider(c.cfg.meterProvider))
	}
	return options
}

// clientConfig holds configuration for the client
type clientConfig struct {
	logger            *slog.Logger
	maxQueueSize      int
	rejectLogInterval time.Duration
	meterProvider     metric.MeterProvider
	connectionOptions []rabbitmq.ConnectionOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMaxQueueSize bounds every consumer mailbox; 0 is unbounded
func WithMaxQueueSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxQueueSize = size
	}
}

// WithRejectLogInterval limits backpressure warnings per consumer
func WithRejectLogInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rejectLogInterval = interval
	}
}

// WithMeterProvider sets the meter provider for dispatch metrics
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = provider
	}
}

// WithReconnect configures reconnection: initial delay and attempts, negative is unlimited
func WithReconnect(delay time.Duration, maxAttempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions,
			rabbitmq.WithReconnectDelay(delay),
			rabbitmq.WithMaxRetries(maxAttempts),
		)
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, rabbitmq.WithDialTimeout(timeout))
	}
}
