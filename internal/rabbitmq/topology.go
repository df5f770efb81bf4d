package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares and removes queues on a channel
type TopologyManager struct {
	ch AMQPChannel
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch AMQPChannel) *TopologyManager {
	return &TopologyManager{
		ch: ch,
	}
}

// DeclareQueue declares a queue and returns the broker's view of it
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, err
	}

	args := queue.Arguments
	if args == nil {
		args = amqp.Table{}
	}

	q, err := tm.ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, args)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// DeleteQueue deletes a queue and returns the number of purged messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	purged, err := tm.ch.QueueDelete(name, false, false, false)
	if err != nil {
		return 0, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "delete",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return purged, nil
}
