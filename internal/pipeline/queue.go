package pipeline

import "context"

// Queue is a bounded FIFO queue for one producer and one consumer. Put blocks
// on a full queue (backpressure), Get blocks on an empty one. Queues are never
// closed; session teardown cancels the contexts of the tasks blocked on them
// instead.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue with the given capacity. A capacity below 1 is
// raised to 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put enqueues item, blocking while the queue is full. Returns ctx.Err() if
// the context is cancelled before space is available.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	// A cancelled context must win even when the queue has space, so that a
	// producer cannot slip an item in after its turn was torn down.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- item:
		return nil
	}
}

// TryPut enqueues item without blocking. Returns false if the queue is full.
func (q *Queue[T]) TryPut(item T) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Get dequeues the next item, blocking while the queue is empty. Returns
// ctx.Err() if the context is cancelled before an item arrives.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case item := <-q.ch:
		return item, nil
	}
}

// TryGet dequeues the next item without blocking. Returns false if the queue
// is empty.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Drain removes and discards all currently queued items, returning the number
// removed. It never blocks and does not close the queue.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
