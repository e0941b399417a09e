// Package worker drains a queue and hands every item to a handler, one at a
// time.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

const defaultName = "worker"

// Source is where a worker reads items from.
type Source[T any] interface {
	Dequeue(ctx context.Context) <-chan T
}

// Handler processes one item.
type Handler[T any] interface {
	Handle(ctx context.Context, v T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, v T) error

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, v T) error { return f(ctx, v) }

// Worker processes items sequentially until its source closes, ctx is done
// or Shutdown is called.
type Worker[T any] struct {
	source  Source[T]
	handler Handler[T]
	name    string

	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// New creates a worker.
func New[T any](source Source[T], handler Handler[T], opts ...Option) *Worker[T] {
	s := settings{name: defaultName}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named(s.name)
	}
	return &Worker[T]{
		source:   source,
		handler:  handler,
		name:     s.name,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   s.logger,
	}
}

// Run is the worker loop. It must be called once.
func (w *Worker[T]) Run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	items := w.source.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case v, ok := <-items:
			if !ok {
				return
			}
			w.process(ctx, v)
		}
	}
}

func (w *Worker[T]) process(ctx context.Context, v T) {
	start := time.Now()
	err := w.handler.Handle(ctx, v)
	metrics.RecordWorkerProcessed(w.name, time.Since(start).Seconds())
	if err != nil {
		metrics.RecordWorkerError(w.name)
		metrics.RecordErrorByComponent(w.name, "handler_error")
		w.logger.Error(ctx, "error processing item", logger.Error(err))
	}
}

// Done is closed when Run returns.
func (w *Worker[T]) Done() <-chan struct{} { return w.done }

// Shutdown stops the loop and waits for it to return. A second call only
// waits.
func (w *Worker[T]) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
