// Package queue provides a bounded in-memory queue with non-blocking enqueue
// and channel-based dequeue.
package queue

import (
	"context"
	"sync"

	"github.com/okian/fedlab/pkg/metrics"
)

const (
	defaultCapacity   = 64
	defaultBufferSize = 64
	defaultName       = "queue"
)

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue[T any] interface {
	// Enqueue adds an item. It returns false when the queue is closed or full.
	Enqueue(ctx context.Context, v T) bool

	// Offer is Enqueue with the rejection reason as an error.
	Offer(ctx context.Context, v T) error

	// Dequeue returns a channel that yields items until the queue is closed
	// and drained or ctx is done.
	Dequeue(ctx context.Context) <-chan T

	// Len returns the number of queued items.
	Len(ctx context.Context) int

	// Close stops accepting items. Items already queued can still be drained.
	Close() error

	// IsClosed reports whether Close was called.
	IsClosed() bool
}

// InMemoryQueue implements Queue with a buffered channel.
type InMemoryQueue[T any] struct {
	items    chan T
	name     string
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a queue.
func NewInMemoryQueue[T any](opts ...Option) *InMemoryQueue[T] {
	o := options{name: defaultName, capacity: defaultCapacity, bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferSize < o.capacity {
		o.bufferSize = o.capacity
	}
	q := &InMemoryQueue[T]{
		items:    make(chan T, o.bufferSize),
		name:     o.name,
		capacity: o.capacity,
	}
	metrics.UpdateQueueSize(q.name, 0)
	return q
}

// Enqueue adds v without blocking.
func (q *InMemoryQueue[T]) Enqueue(ctx context.Context, v T) bool {
	return q.Offer(ctx, v) == nil
}

// Offer adds v without blocking and reports why it was rejected.
func (q *InMemoryQueue[T]) Offer(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueRejected(q.name, "closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueRejected(q.name, "context_cancelled")
		return err
	}
	if len(q.items) >= q.capacity {
		metrics.RecordQueueRejected(q.name, "capacity_exceeded")
		return ErrFull
	}

	select {
	case q.items <- v:
		metrics.RecordQueueEnqueue(q.name)
		metrics.UpdateQueueSize(q.name, len(q.items))
		return nil
	default:
		metrics.RecordQueueRejected(q.name, "queue_full")
		return ErrFull
	}
}

// Dequeue returns a channel fed from the queue.
func (q *InMemoryQueue[T]) Dequeue(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-q.items:
				if !ok {
					return
				}
				metrics.UpdateQueueSize(q.name, len(q.items))
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the number of queued items.
func (q *InMemoryQueue[T]) Len(_ context.Context) int {
	return len(q.items)
}

// Close stops the queue. Calling it twice is a no-op.
func (q *InMemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed reports whether the queue was closed.
func (q *InMemoryQueue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

var _ Queue[int] = (*InMemoryQueue[int])(nil)
