package consume

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/glimte/amqpull/mailbox"
)

// Consumer pulls deliveries registered under one consumer tag.
//
// A consumer is ACTIVE until it is canceled, explicitly or because a drain
// found the mailbox empty or a bounded fetch timed out. Once canceled every
// Fetch returns ErrEndOfStream.
type Consumer struct {
	dispatcher      *Dispatcher
	channel         Channel
	tag             string
	mailbox         *mailbox.Mailbox[Delivery]
	waitForMessages bool
	timeout         time.Duration
	logger          *slog.Logger

	canceled *atomic.Bool

	onCancel   []func()
	cancelOnce sync.Once
}

func newConsumer(d *Dispatcher, tag string, mb *mailbox.Mailbox[Delivery], cfg consumerConfig) *Consumer {
	logger := cfg.logger
	if logger == nil {
		logger = d.logger
	}

	return &Consumer{
		dispatcher:      d,
		channel:         d.channel,
		tag:             tag,
		mailbox:         mb,
		waitForMessages: cfg.waitForMessages,
		timeout:         cfg.timeout,
		logger:          logger,
		canceled:        atomic.NewBool(false),
		onCancel:        cfg.onCancel,
	}
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.tag
}

// Canceled reports whether the consumer reached its terminal state
func (c *Consumer) Canceled() bool {
	return c.canceled.Load()
}

// Pending returns the number of buffered deliveries
func (c *Consumer) Pending() int {
	return c.mailbox.Len()
}

// Timeout returns how long Fetch waits on an empty mailbox; 0 is forever
func (c *Consumer) Timeout() time.Duration {
	return c.timeout
}

// Fetch returns the next message.
//
// On an empty mailbox a draining consumer cancels itself and returns
// ErrEndOfStream, a consumer with a timeout waits at most that long before
// canceling itself and returning a *TimeoutError, and any other consumer
// waits until a message arrives or ctx ends.
func (c *Consumer) Fetch(ctx context.Context) (*Message, error) {
	if c.canceled.Load() {
		return nil, ErrEndOfStream
	}

	if !c.waitForMessages {
		delivery, ok := c.mailbox.TryDequeue()
		if !ok {
			if err := c.Cancel(ctx); err != nil {
				c.logger.Warn("failed to cancel drained consumer", "consumerTag", c.tag, "error", err)
			}
			return nil, ErrEndOfStream
		}
		return newMessage(c.channel, delivery), nil
	}

	if c.timeout > 0 {
		delivery, err := c.mailbox.Poll(ctx, c.timeout)
		if errors.Is(err, mailbox.ErrTimeout) {
			c.dispatcher.metrics.timeouts.Add(ctx, 1)
			if cancelErr := c.Cancel(ctx); cancelErr != nil {
				c.logger.Warn("failed to cancel timed out consumer", "consumerTag", c.tag, "error", cancelErr)
			}
			return nil, &TimeoutError{ConsumerTag: c.tag, Timeout: c.timeout}
		}
		if err != nil {
			return nil, c.waitError(err)
		}
		return newMessage(c.channel, delivery), nil
	}

	delivery, err := c.mailbox.Dequeue(ctx)
	if err != nil {
		return nil, c.waitError(err)
	}
	return newMessage(c.channel, delivery), nil
}

func (c *Consumer) waitError(err error) error {
	if errors.Is(err, mailbox.ErrDisposed) {
		c.canceled.Store(true)
		return ErrEndOfStream
	}
	return err
}

// Messages iterates over fetched messages until end of stream. Any other
// error is yielded once and ends the iteration.
func (c *Consumer) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			msg, err := c.Fetch(ctx)
			if errors.Is(err, ErrEndOfStream) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Cancel unregisters the consumer from the broker and releases its mailbox.
// Only the first call has any effect.
func (c *Consumer) Cancel(ctx context.Context) error {
	if !c.canceled.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if cancelErr := c.channel.Cancel(ctx, c.tag); cancelErr != nil {
		err = &ConsumerError{
			ConsumerTag: c.tag,
			Op:          "cancel",
			Err:         cancelErr,
			Timestamp:   time.Now(),
		}
	}
	err = multierr.Append(err, c.dispatcher.Unregister(ctx, c.tag))

	c.logger.Info("consumer canceled", "consumerTag", c.tag)
	c.canceledHooks()
	return err
}

// Close cancels the consumer. Deferring it guarantees the broker-side
// registration is released on every exit path.
func (c *Consumer) Close() error {
	return c.Cancel(context.Background())
}

// detach marks the consumer canceled without telling the broker. It
// reports false when the consumer was already canceled.
func (c *Consumer) detach() bool {
	return c.canceled.CompareAndSwap(false, true)
}

func (c *Consumer) canceledHooks() {
	c.cancelOnce.Do(func() {
		for _, fn := range c.onCancel {
			fn()
		}
	})
}
