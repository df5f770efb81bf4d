package consume

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope carries the routing metadata of a delivery
type Envelope struct {
	ConsumerTag string
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Redelivered bool
}

// Properties are the content header properties of a message
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Delivery is one fully reassembled message pushed by the broker
type Delivery struct {
	Body       []byte
	Envelope   Envelope
	Properties Properties

	// Acknowledger settles the delivery; nil when the engine does not provide one
	Acknowledger amqp.Acknowledger
}

// DeliveryFromAMQP converts an amqp091 delivery
func DeliveryFromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Body: d.Body,
		Envelope: Envelope{
			ConsumerTag: d.ConsumerTag,
			DeliveryTag: d.DeliveryTag,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
		},
		Properties: Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         d.Headers,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		Acknowledger: d.Acknowledger,
	}
}

// Message is a delivery handed to application code by a Consumer
type Message struct {
	Channel    Channel
	Body       []byte
	Envelope   Envelope
	Properties Properties

	acknowledger amqp.Acknowledger
}

func newMessage(ch Channel, d Delivery) *Message {
	return &Message{
		Channel:      ch,
		Body:         d.Body,
		Envelope:     d.Envelope,
		Properties:   d.Properties,
		acknowledger: d.Acknowledger,
	}
}

// Ack acknowledges the message
func (m *Message) Ack() error {
	if m.acknowledger == nil {
		return ErrNoAcknowledger
	}
	return m.acknowledger.Ack(m.Envelope.DeliveryTag, false)
}

// Nack negatively acknowledges the message
func (m *Message) Nack(requeue bool) error {
	if m.acknowledger == nil {
		return ErrNoAcknowledger
	}
	return m.acknowledger.Nack(m.Envelope.DeliveryTag, false, requeue)
}

// Reject rejects the message
func (m *Message) Reject(requeue bool) error {
	if m.acknowledger == nil {
		return ErrNoAcknowledger
	}
	return m.acknowledger.Reject(m.Envelope.DeliveryTag, requeue)
}
