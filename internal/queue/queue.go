// Package queue provides a growable ring buffer (Queue) and a
// single-owner handoff wrapper (Holder) used to pass a link's received
// frames between its reading goroutine and its consuming goroutine without
// an unbounded channel.
package queue

// Queue is a ring buffer that doubles its backing array when full. The
// zero value is not usable; construct with New.
type Queue[T any] struct {
	items []T
	head  int
	tail  int
	len   int
}

// New returns a Queue with room for size items.
func New[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{items: make([]T, size)}
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int {
	return q.len
}

// Enqueue adds item to the tail of the queue, growing the backing array if
// the queue is at capacity.
func (q *Queue[T]) Enqueue(item T) {
	if q.len == len(q.items) {
		q.grow()
	}
	q.items[q.tail] = item
	q.tail = (q.tail + 1) % len(q.items)
	q.len++
}

// Dequeue removes and returns the item at the head of the queue. Calling
// Dequeue on an empty queue returns the zero value of T.
func (q *Queue[T]) Dequeue() T {
	var zero T
	if q.len == 0 {
		return zero
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.len--
	return item
}

func (q *Queue[T]) grow() {
	newItems := make([]T, len(q.items)*2)
	for i := 0; i < q.len; i++ {
		newItems[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = newItems
	q.head = 0
	q.tail = q.len
}

// Holder hands a single *Queue[T] back and forth between one producer and
// one consumer goroutine: whichever side holds the queue has exclusive
// access to it, and must Release it (or re-acquire via Wait) before the
// other side can touch it again.
type Holder[T any] struct {
	handoff chan *Queue[T]
}

// NewHolder returns a Holder initially holding q, available for immediate
// acquisition via Wait.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	h := &Holder[T]{handoff: make(chan *Queue[T], 1)}
	h.handoff <- q
	return h
}

// Wait returns the channel to receive the queue from once it's available.
// A single item is sent on this channel whenever the queue is free; exactly
// one receiver should consume it per Release.
func (h *Holder[T]) Wait() <-chan *Queue[T] {
	return h.handoff
}

// Acquire blocks until the queue is available and returns it.
func (h *Holder[T]) Acquire() *Queue[T] {
	return <-h.handoff
}

// Release returns ownership of q to the Holder, unblocking the next Wait/Acquire.
func (h *Holder[T]) Release(q *Queue[T]) {
	h.handoff <- q
}
