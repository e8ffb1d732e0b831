// Package memory provides the bounded run queue used by the HTTP layer.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan pricing.RunItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan pricing.RunItem, capacity),
	}
}

// Enqueue pushes a run into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item pricing.RunItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next run, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pricing.RunItem, error) {
	select {
	case <-ctx.Done():
		return pricing.RunItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return pricing.RunItem{}, pricing.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of queued runs not yet picked up by a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
