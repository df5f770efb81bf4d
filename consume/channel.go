package consume

import "context"

// Channel is the part of an AMQP channel the dispatcher and its consumers
// need: returning a delivery to the broker and unregistering a consumer.
type Channel interface {
	// Reject negatively acknowledges a single delivery
	Reject(ctx context.Context, deliveryTag uint64, requeue bool) error
	// Cancel stops the broker from sending further deliveries to consumerTag
	Cancel(ctx context.Context, consumerTag string) error
}
