// Package consume turns broker-pushed AMQP deliveries into pull-based
// consumers.
//
// A Dispatcher sits on the path that processes incoming deliveries for one
// channel. It routes each delivery to the bounded mailbox of the consumer the
// broker addressed. When that mailbox is full the delivery is rejected with
// requeue so the broker can redeliver it later, and the dispatcher never
// blocks waiting for room.
//
// A Consumer owns one mailbox and lets application code pull from it:
//   - blocking (the default): Fetch waits until a message arrives
//   - drain (WithWaitForMessages(false)): Fetch returns ErrEndOfStream and
//     cancels the consumer as soon as the mailbox is empty
//   - bounded (WithTimeout): Fetch waits at most the timeout, then cancels the
//     consumer and returns a *TimeoutError
//
// Typical usage:
//
//	consumer, err := dispatcher.Register(tag, consume.WithTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer consumer.Close()
//
//	for msg, err := range consumer.Messages(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    handle(msg)
//	}
package consume
