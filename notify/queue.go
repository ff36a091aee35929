// Package notify buffers server notifications for consumers and fans them
// out to observers.
package notify

import (
	"context"
	"sync"
)

// Queue is a FIFO that never blocks its producer. A zero limit means
// unbounded; with a positive limit the oldest item is dropped to make room.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	limit   int
	dropped int
	changed chan struct{}
	closed  bool
	err     error
	onClose func()
}

// NewQueue returns an empty queue.
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Push appends v. Pushing to a closed queue is a no-op. It reports whether
// v was accepted.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.limit > 0 && q.lenLocked() >= q.limit {
		var zero T
		q.items[q.head] = zero
		q.head++
		q.dropped++
	}
	q.items = append(q.items, v)
	q.compactLocked()
	q.wakeLocked()
	return true
}

// Next blocks until an item is available, the queue is closed or ctx is
// done. Items pushed before Close are still returned before the close error.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if v, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			var zero T
			return zero, err
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryNext pops an item without blocking.
func (q *Queue[T]) TryNext() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped returns how many items were discarded to honor the limit.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// CloseWithError marks the queue closed. Buffered items remain readable;
// after them Next returns err. Only the first close takes effect.
func (q *Queue[T]) CloseWithError(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	onClose := q.onClose
	q.wakeLocked()
	q.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// Close closes the queue with ErrQueueClosed.
func (q *Queue[T]) Close() {
	q.CloseWithError(ErrQueueClosed)
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
	return v, true
}

func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *Queue[T]) wakeLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
