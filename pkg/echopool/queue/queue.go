// Package queue provides a fixed-capacity FIFO queue whose Push and Pop
// block the calling goroutine while the queue is full or empty.
package queue

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue has been drained.
	ErrClosed = errors.New("queue closed")
	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("queue capacity must be positive")
)

// BoundedQueue is a blocking producer/consumer queue with a fixed capacity.
//
// All state is guarded by mu. notFull is waited on by producers and notEmpty
// by consumers; both conditions share mu, and every waiter re-checks its
// predicate after waking.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    *queue.Queue
	capacity int
	closed   bool
}

// New creates a BoundedQueue holding at most capacity items.
func New[T any](capacity int) (*BoundedQueue[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	q := &BoundedQueue[T]{
		items:    queue.New(),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends item at the tail, blocking while the queue is full.
// It returns ErrClosed if the queue is closed before the item is inserted.
func (q *BoundedQueue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.items.Length() == q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}

	q.items.Add(item)
	q.notEmpty.Signal()
	return nil
}

// TryPush appends item if there is room, without blocking.
func (q *BoundedQueue[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.items.Length() == q.capacity {
		return false
	}

	q.items.Add(item)
	q.notEmpty.Signal()
	return true
}

// Pop removes and returns the oldest item, blocking while the queue is empty.
// Items pushed before Close are still handed out; once a closed queue is
// empty Pop returns ErrClosed.
func (q *BoundedQueue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.items.Length() == 0 {
		q.notEmpty.Wait()
	}
	if q.items.Length() == 0 {
		var zero T
		return zero, ErrClosed
	}

	return q.remove(), nil
}

// TryPop removes and returns the oldest item if one is available.
func (q *BoundedQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}

	return q.remove(), true
}

// remove must be called with mu held and at least one item queued.
func (q *BoundedQueue[T]) remove() T {
	// comma-ok keeps a nil interface element from panicking
	item, _ := q.items.Remove().(T)
	q.notFull.Signal()
	return item
}

// Close marks the queue closed and wakes every blocked Push and Pop.
// Calling Close more than once is safe.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Closed reports whether Close has been called.
func (q *BoundedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return q.capacity
}
