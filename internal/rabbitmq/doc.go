// Package rabbitmq connects the pull consumer to a RabbitMQ broker.
//
// This package includes:
//   - ConnectionManager: dials the broker and reconnects with backoff
//   - Channel: owns an AMQP channel, pumps its deliveries into a consume.Dispatcher
//     and implements basic.consume on top of it
//   - Publisher: publishes messages, retrying transient failures
//   - TopologyManager: declares and deletes queues
//
// A channel created with WithMaxQueueSize(n) gives every consumer a mailbox
// of n deliveries and sets basic.qos to n for manual-ack consumers, so the
// broker stops sending before the mailbox starts rejecting.
package rabbitmq
