// Package mailbox provides the bounded, ordered buffer that sits between a
// network-driven producer and a pull-driven reader.
//
// A Mailbox has exactly one writer and one reader. The writer never blocks:
// when the mailbox is at capacity Enqueue reports ErrFull and leaves the
// buffer untouched, so the caller can decide what to do with the overflow.
// The reader can drain without waiting (TryDequeue), wait indefinitely
// (Dequeue) or wait with a deadline (Poll). Waiting readers are woken by the
// next Enqueue rather than by polling.
package mailbox
