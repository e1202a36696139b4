package router

import (
	"sync"
)

// Queue is an unbounded FIFO with a blocking Receive. Send never blocks, so
// a producer reading a socket is never stalled by a slow consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	closed bool

	enqueued  int64
	dequeued  int64
	highWater int
}

// NewQueue creates a queue with room for initialCapacity items before the
// first reallocation.
func NewQueue[T any](initialCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &Queue[T]{buf: make([]T, 0, initialCapacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	// Reclaim the consumed prefix before append would reallocate
	if len(q.buf) == cap(q.buf) && q.head > 0 {
		n := copy(q.buf, q.buf[q.head:])
		clear(q.buf[n:])
		q.buf = q.buf[:n]
		q.head = 0
	}

	q.buf = append(q.buf, item)
	q.enqueued++
	if depth := len(q.buf) - q.head; depth > q.highWater {
		q.highWater = depth
	}

	q.cond.Signal()
	return true
}

// Receive blocks until an item is available. It returns false once the
// queue is closed and fully drained.
func (q *Queue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.buf) && !q.closed {
		q.cond.Wait()
	}
	return q.popLocked()
}

// TryReceive returns the next item without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.head == len(q.buf) {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head++
	q.dequeued++

	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return item, true
}

// Close stops further sends. Pending items can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Depth     int
	HighWater int
	Enqueued  int64
	Dequeued  int64
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     len(q.buf) - q.head,
		HighWater: q.highWater,
		Enqueued:  q.enqueued,
		Dequeued:  q.dequeued,
	}
}
