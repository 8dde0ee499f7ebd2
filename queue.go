package clientserver

import "sync"

// Message is one outbound entry: an opaque channel tag and its payload.
type Message struct {
	Channel string
	Payload []byte
}

// Queue is the hand-off point between SendMessage callers and the send loop.
//
// Implementations must be safe for many concurrent producers and a single
// consumer, and must deliver entries in enqueue order.
type Queue interface {
	// Enqueue appends m. It must not block on the consumer.
	Enqueue(m Message)
	// HasPending reports whether at least one entry is waiting.
	HasPending() bool
	// Dequeue removes the oldest entry. ok is false when the queue is empty.
	Dequeue() (m Message, ok bool)
	// Ready is signalled after an Enqueue so an idle consumer can wake up.
	Ready() <-chan struct{}
	// Len returns the number of waiting entries.
	Len() int
}

// NewQueue returns the default unbounded FIFO queue.
//
// The queue never rejects. A peer that stops reading without closing makes
// it grow without limit.
func NewQueue() Queue {
	return newFIFO[Message]()
}

// fifo is an unbounded, mutex-guarded FIFO with a one-slot wake channel.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	ready chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{ready: make(chan struct{}, 1)}
}

func (q *fifo[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *fifo[T]) HasPending() bool {
	return q.Len() > 0
}

func (q *fifo[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

func (q *fifo[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
