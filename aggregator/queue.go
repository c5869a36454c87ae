package aggregator

import "sync"

// Queue is an unbounded FIFO safe for concurrent Push. Drain takes every
// queued item in one step.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends v without blocking on consumers
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Drain removes and returns all queued items in push order, nil when empty
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
