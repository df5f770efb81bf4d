package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type consumeConfig struct {
	consumerTag     string
	noLocal         bool
	autoAck         bool
	exclusive       bool
	noWait          bool
	arguments       amqp.Table
	waitForMessages bool
	timeout         time.Duration
	onCancel        []func()
}

// ConsumeOption configures BasicConsume
type ConsumeOption func(*consumeConfig)

// WithConsumerTag sets the consumer tag; a unique one is generated otherwise
func WithConsumerTag(tag string) ConsumeOption {
	return func(c *consumeConfig) {
		c.consumerTag = tag
	}
}

// WithAutoAck lets the broker consider deliveries settled on send
func WithAutoAck(autoAck bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.autoAck = autoAck
	}
}

// WithExclusive requests exclusive access to the queue
func WithExclusive(exclusive bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.exclusive = exclusive
	}
}

// WithNoLocal asks the broker not to deliver messages published on this connection
func WithNoLocal(noLocal bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.noLocal = noLocal
	}
}

// WithNoWait skips waiting for consume-ok. Deliveries are dispatched
// as soon as they arrive.
func WithNoWait(noWait bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.noWait = noWait
	}
}

// WithArguments sets the basic.consume arguments
func WithArguments(args amqp.Table) ConsumeOption {
	return func(c *consumeConfig) {
		c.arguments = args
	}
}

// WithWaitForMessages controls whether the consumer waits on an empty
// mailbox or stops once it is drained
func WithWaitForMessages(wait bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.waitForMessages = wait
	}
}

// WithConsumeTimeout bounds how long a fetch waits for a delivery
func WithConsumeTimeout(timeout time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.timeout = timeout
	}
}

// WithOnCancel runs fn once the consumer was canceled, locally or by the broker
func WithOnCancel(fn func()) ConsumeOption {
	return func(c *consumeConfig) {
		if fn != nil {
			c.onCancel = append(c.onCancel, fn)
		}
	}
}
