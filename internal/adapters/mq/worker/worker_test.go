package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/fedlab/internal/adapters/mq/queue"
	"github.com/okian/fedlab/internal/adapters/mq/worker"
	logging "github.com/okian/fedlab/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]error{}}
}

func (r *recorder) Handle(_ context.Context, v string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[v]; ok {
		return err
	}
	r.seen = append(r.seen, v)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestWorker(t *testing.T) {
	convey.Convey("Given a worker draining a queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue[string](queue.WithName("test-inbox"))
		rec := newRecorder()
		w := worker.New[string](q, rec, worker.WithName("test-worker"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When items are queued", func() {
			for _, v := range []string{"a", "b", "c"} {
				convey.So(q.Enqueue(ctx, v), convey.ShouldBeTrue)
			}

			convey.Convey("Then they are handled in order", func() {
				convey.So(waitFor(func() bool { return len(rec.got()) == 3 }), convey.ShouldBeTrue)
				convey.So(rec.got(), convey.ShouldResemble, []string{"a", "b", "c"})
			})
		})

		convey.Convey("When the handler fails on one item", func() {
			rec.fail["bad"] = errors.New("handler error")
			q.Enqueue(ctx, "bad")
			q.Enqueue(ctx, "good")

			convey.Convey("Then the worker keeps going", func() {
				convey.So(waitFor(func() bool { return len(rec.got()) == 1 }), convey.ShouldBeTrue)
				convey.So(rec.got(), convey.ShouldResemble, []string{"good"})
			})
		})

		convey.Convey("When the queue is closed", func() {
			_ = q.Close()

			convey.Convey("Then Run returns", func() {
				select {
				case <-w.Done():
				case <-time.After(time.Second):
					convey.So("worker did not stop", convey.ShouldBeEmpty)
				}
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer shutdownCancel()

			convey.Convey("Then it stops gracefully and a second call is harmless", func() {
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker whose loop never started", t, func() {
		_ = logging.Init()
		q := queue.NewInMemoryQueue[int]()
		w := worker.New[int](q, worker.HandlerFunc[int](func(context.Context, int) error { return nil }))

		convey.Convey("Then shutdown honours the deadline", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			err := w.Shutdown(ctx)
			convey.So(errors.Is(err, context.DeadlineExceeded), convey.ShouldBeTrue)
		})
	})
}
