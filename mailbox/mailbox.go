package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	gods "github.com/Workiva/go-datastructures/queue"
)

var (
	ErrFull            = errors.New("mailbox: mailbox is full")
	ErrDisposed        = errors.New("mailbox: mailbox is disposed")
	ErrTimeout         = errors.New("mailbox: timed out waiting for an entry")
	ErrInvalidCapacity = errors.New("mailbox: capacity must not be negative")
)

// waitSlice bounds how long a waiting reader goes without re-checking its
// context. Arrivals wake the reader immediately regardless of this value.
var waitSlice = 50 * time.Millisecond

// Mailbox is a FIFO buffer with an optional capacity bound.
// A capacity of 0 means the mailbox is unbounded.
type Mailbox[T any] struct {
	underlying *gods.Queue
	capacity   int64

	// serialises the capacity check with the put
	mu sync.Mutex
}

// New creates a mailbox holding at most capacity entries
func New[T any](capacity int) (*Mailbox[T], error) {
	if capacity < 0 {
		return nil, ErrInvalidCapacity
	}

	hint := int64(capacity)
	if hint == 0 {
		hint = 16
	}

	return &Mailbox[T]{
		underlying: gods.New(hint),
		capacity:   int64(capacity),
	}, nil
}

// Enqueue appends an entry and wakes a waiting reader.
// It returns ErrFull, without changing the mailbox, when the mailbox is at
// capacity and ErrDisposed once the mailbox has been disposed.
func (m *Mailbox[T]) Enqueue(item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.underlying.Disposed() {
		return ErrDisposed
	}

	if m.capacity > 0 && m.underlying.Len() >= m.capacity {
		return ErrFull
	}

	if err := m.underlying.Put(item); err != nil {
		if errors.Is(err, gods.ErrDisposed) {
			return ErrDisposed
		}
		return err
	}
	return nil
}

// TryDequeue removes the oldest entry without waiting.
// The boolean is false when the mailbox is empty or disposed.
func (m *Mailbox[T]) TryDequeue() (T, bool) {
	var zero T
	if m.underlying.Empty() {
		return zero, false
	}

	items, err := m.underlying.Get(1)
	if err != nil || len(items) == 0 {
		return zero, false
	}
	return items[0].(T), true
}

// Dequeue waits for the oldest entry.
// It returns ctx.Err() when the context ends first and ErrDisposed when the
// mailbox is disposed while waiting.
func (m *Mailbox[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		item, err := m.poll(waitSlice)
		switch {
		case err == nil:
			return item, nil
		case errors.Is(err, ErrTimeout):
			continue
		default:
			return zero, err
		}
	}
}

// Poll waits at most timeout for the oldest entry.
// It returns as soon as an entry is available and reports ErrTimeout no
// earlier than timeout after the call.
func (m *Mailbox[T]) Poll(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if item, ok := m.TryDequeue(); ok {
		return item, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if m.underlying.Disposed() {
				return zero, ErrDisposed
			}
			return zero, ErrTimeout
		}

		item, err := m.poll(min(remaining, waitSlice))
		if errors.Is(err, ErrTimeout) {
			continue
		}
		return item, err
	}
}

func (m *Mailbox[T]) poll(timeout time.Duration) (T, error) {
	var zero T
	items, err := m.underlying.Poll(1, timeout)
	switch {
	case errors.Is(err, gods.ErrTimeout):
		return zero, ErrTimeout
	case errors.Is(err, gods.ErrDisposed):
		return zero, ErrDisposed
	case err != nil:
		return zero, err
	case len(items) == 0:
		return zero, ErrTimeout
	}
	return items[0].(T), nil
}

// IsEmpty reports whether the mailbox holds no entries
func (m *Mailbox[T]) IsEmpty() bool {
	return m.underlying.Empty()
}

// IsFull reports whether a bounded mailbox is at capacity.
// An unbounded mailbox is never full.
func (m *Mailbox[T]) IsFull() bool {
	return m.capacity > 0 && m.underlying.Len() >= m.capacity
}

// Len returns the number of buffered entries
func (m *Mailbox[T]) Len() int {
	return int(m.underlying.Len())
}

// Cap returns the capacity, 0 for unbounded
func (m *Mailbox[T]) Cap() int {
	return int(m.capacity)
}

// Disposed reports whether Dispose has been called
func (m *Mailbox[T]) Disposed() bool {
	return m.underlying.Disposed()
}

// Dispose wakes every waiting reader with ErrDisposed and hands back the
// entries that were still buffered, oldest first. Later calls return nil.
func (m *Mailbox[T]) Dispose() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.underlying.Disposed() {
		return nil
	}

	items := m.underlying.Dispose()
	remaining := make([]T, 0, len(items))
	for _, item := range items {
		remaining = append(remaining, item.(T))
	}
	return remaining
}
