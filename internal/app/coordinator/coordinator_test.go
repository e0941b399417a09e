package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/fedlab/internal/app/coordinator"
	"github.com/okian/fedlab/internal/domain/bestmodel"
	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/internal/domain/strategy"
	"github.com/okian/fedlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// fakeClient adds one to every weight per fit and reports a scripted loss
// per round.
type fakeClient struct {
	id       string
	examples int
	losses   map[int]float64
	failFit  map[int]bool
	hangEval bool
	shape    []int

	mu          sync.Mutex
	w           params.Parameters
	calls       []string
	reconnected bool
}

func newFakeClient(id string, losses map[int]float64) *fakeClient {
	return &fakeClient{
		id:       id,
		examples: 10,
		losses:   losses,
		failFit:  map[int]bool{},
		w:        params.Parameters{params.NewTensor(2)},
	}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) GetParameters(context.Context) (params.Parameters, error) {
	f.record("get")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Clone(), nil
}

func (f *fakeClient) Fit(_ context.Context, round int, global params.Parameters, _ model.RoundConfig) (model.FitResult, error) {
	f.record("fit")
	if f.failFit[round] {
		return model.FitResult{}, errors.New("out of memory")
	}
	out := global.Clone()
	for i := range out[0].Data {
		out[0].Data[i]++
	}
	if f.shape != nil {
		out = params.Parameters{params.NewTensor(f.shape...)}
	}
	return model.FitResult{Parameters: out, NumExamples: f.examples, Metadata: map[string]float64{model.MetaLocalEpochs: 1}}, nil
}

func (f *fakeClient) Evaluate(ctx context.Context, round int, _ params.Parameters, _ model.RoundConfig) (model.EvalResult, error) {
	f.record("evaluate")
	if f.hangEval {
		<-ctx.Done()
		return model.EvalResult{}, ctx.Err()
	}
	return model.EvalResult{Loss: f.losses[round], NumExamples: f.examples, Metrics: model.EvalMetrics{Accuracy: 0.5, Misclassified: 5}}, nil
}

func (f *fakeClient) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnected = true
	return nil
}

func (f *fakeClient) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memStore struct {
	mu    sync.Mutex
	saved []model.BestModelRecord
}

func (s *memStore) Save(_ context.Context, rec model.BestModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return nil
}

type mismatchRule struct{ strategy.Rule }

func (mismatchRule) AggregateFit(context.Context, int, []strategy.FitOutcome, []strategy.Failure) (params.Parameters, map[string]float64, error) {
	return nil, nil, params.ErrShapeMismatch
}

func fedavg() strategy.Rule {
	r, err := strategy.New(strategy.NameFedAvg)
	if err != nil {
		panic(err)
	}
	return r
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	Convey("Given a single client whose loss dips in round 2", t, func() {
		client := newFakeClient("1", map[int]float64{1: 0.9, 2: 0.4, 3: 0.6})
		store := &memStore{}
		tracker := bestmodel.NewTracker(fedavg(), store)
		clients := coordinator.NewClientManager()
		So(clients.Register(client), ShouldBeNil)

		var observed []int
		c, err := coordinator.New(coordinator.Config{Rounds: 3, RoundTimeout: time.Second, WaitTimeout: time.Second},
			tracker, clients,
			coordinator.WithObserver(coordinator.ObserverFunc(func(_ context.Context, res model.AggregatedRoundResult) {
				observed = append(observed, res.Round)
			})))
		So(err, ShouldBeNil)
		So(c.State(), ShouldEqual, coordinator.StateIdle)

		Convey("When the run completes", func() {
			h, err := c.Run(ctx)

			Convey("Then every round is aggregated in order", func() {
				So(err, ShouldBeNil)
				So(h.Results, ShouldHaveLength, 3)
				So(h.Failures, ShouldBeEmpty)
				So(observed, ShouldResemble, []int{1, 2, 3})
				So(c.State(), ShouldEqual, coordinator.StateDone)
				So(c.Status().State, ShouldEqual, "done")
				best, ok := h.Best()
				So(ok, ShouldBeTrue)
				So(best.Round, ShouldEqual, 2)
			})

			Convey("Then fit always precedes evaluate", func() {
				So(client.callLog(), ShouldResemble, []string{"get", "fit", "evaluate", "fit", "evaluate", "fit", "evaluate"})
			})

			Convey("Then the persisted best model is round 2", func() {
				last := store.saved[len(store.saved)-1]
				So(last.Round, ShouldEqual, 2)
				So(last.Loss, ShouldEqual, 0.4)
				So(last.Parameters[0].Data, ShouldResemble, []float32{2, 2})
			})

			Convey("Then the client is told to reconnect", func() {
				So(client.reconnected, ShouldBeTrue)
			})

			Convey("And when run again", func() {
				_, err := c.Run(ctx)
				So(errors.Is(err, coordinator.ErrAlreadyStarted), ShouldBeTrue)
			})
		})
	})

	Convey("Given two clients where one fails a fit", t, func() {
		a := newFakeClient("a", map[int]float64{1: 1, 2: 1})
		b := newFakeClient("b", map[int]float64{1: 1, 2: 1})
		b.failFit[1] = true
		clients := coordinator.NewClientManager()
		So(clients.Register(a), ShouldBeNil)
		So(clients.Register(b), ShouldBeNil)

		Convey("When the fit quorum is one", func() {
			c, err := coordinator.New(coordinator.Config{Rounds: 2, MinFitClients: 1}, fedavg(), clients)
			So(err, ShouldBeNil)
			h, err := c.Run(ctx)

			Convey("Then the round proceeds with the survivor", func() {
				So(err, ShouldBeNil)
				So(h.Results, ShouldHaveLength, 2)
				So(h.Results[0].NumClients, ShouldEqual, 2)
			})
		})

		Convey("When both clients are required", func() {
			c, err := coordinator.New(coordinator.Config{Rounds: 2, MinFitClients: 2}, fedavg(), clients)
			So(err, ShouldBeNil)
			h, err := c.Run(ctx)

			Convey("Then round 1 fails and the counter advances", func() {
				So(err, ShouldBeNil)
				So(h.Failures, ShouldHaveLength, 1)
				So(h.Failures[0].Round, ShouldEqual, 1)
				So(h.Failures[0].Phase, ShouldEqual, coordinator.PhaseFit)
				So(h.Results, ShouldHaveLength, 1)
				So(h.Results[0].Round, ShouldEqual, 2)
			})
		})
	})

	Convey("Given a client that never answers evaluate", t, func() {
		client := newFakeClient("slow", nil)
		client.hangEval = true
		clients := coordinator.NewClientManager()
		So(clients.Register(client), ShouldBeNil)
		c, err := coordinator.New(coordinator.Config{Rounds: 1, RoundTimeout: 50 * time.Millisecond}, fedavg(), clients)
		So(err, ShouldBeNil)

		h, err := c.Run(ctx)

		Convey("Then the round fails in the evaluate phase", func() {
			So(err, ShouldBeNil)
			So(h.Results, ShouldBeEmpty)
			So(h.Failures, ShouldHaveLength, 1)
			So(h.Failures[0].Phase, ShouldEqual, coordinator.PhaseEvaluate)
		})
	})

	Convey("Given a client returning parameters of another shape", t, func() {
		client := newFakeClient("odd", map[int]float64{1: 1})
		client.shape = []int{3}
		clients := coordinator.NewClientManager()
		So(clients.Register(client), ShouldBeNil)
		c, err := coordinator.New(coordinator.Config{Rounds: 1}, fedavg(), clients)
		So(err, ShouldBeNil)

		h, err := c.Run(ctx)

		Convey("Then that exchange fails and the round misses quorum", func() {
			So(err, ShouldBeNil)
			So(h.Failures, ShouldHaveLength, 1)
			So(h.Failures[0].Phase, ShouldEqual, coordinator.PhaseFit)
		})
	})

	Convey("Given a rule that cannot aggregate the shapes", t, func() {
		client := newFakeClient("1", map[int]float64{1: 1, 2: 1})
		clients := coordinator.NewClientManager()
		So(clients.Register(client), ShouldBeNil)
		c, err := coordinator.New(coordinator.Config{Rounds: 2}, mismatchRule{fedavg()}, clients)
		So(err, ShouldBeNil)

		h, err := c.Run(ctx)

		Convey("Then the run aborts", func() {
			So(errors.Is(err, params.ErrShapeMismatch), ShouldBeTrue)
			So(h.Failures, ShouldHaveLength, 1)
			So(c.State(), ShouldEqual, coordinator.StateDone)
			So(client.reconnected, ShouldBeTrue)
		})
	})

	Convey("Given no clients", t, func() {
		c, err := coordinator.New(coordinator.Config{Rounds: 1, WaitTimeout: 20 * time.Millisecond}, fedavg(), nil)
		So(err, ShouldBeNil)

		Convey("Then waiting times out", func() {
			_, err := c.Run(ctx)
			So(errors.Is(err, coordinator.ErrNotEnoughClients), ShouldBeTrue)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		})
	})

	Convey("Given an invalid config", t, func() {
		_, err := coordinator.New(coordinator.Config{Rounds: -1}, fedavg(), nil)
		So(errors.Is(err, coordinator.ErrInvalidConfig), ShouldBeTrue)
		_, err = coordinator.New(coordinator.Config{}, nil, nil)
		So(errors.Is(err, coordinator.ErrInvalidConfig), ShouldBeTrue)
	})
}

func TestClientManager(t *testing.T) {
	Convey("Given a client manager", t, func() {
		m := coordinator.NewClientManager()

		Convey("When a client joins while someone waits", func() {
			done := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				done <- m.WaitFor(ctx, 2)
			}()
			So(m.Register(newFakeClient("x", nil)), ShouldBeNil)
			So(m.Register(newFakeClient("y", nil)), ShouldBeNil)

			Convey("Then the waiter is released", func() {
				So(<-done, ShouldBeNil)
			})
		})

		Convey("When ids collide", func() {
			So(m.Register(newFakeClient("x", nil)), ShouldBeNil)
			err := m.Register(newFakeClient("x", nil))
			So(errors.Is(err, coordinator.ErrDuplicateClient), ShouldBeTrue)
		})

		Convey("When clients leave", func() {
			for _, id := range []string{"a", "b", "c"} {
				So(m.Register(newFakeClient(id, nil)), ShouldBeNil)
			}
			m.Unregister("b")
			m.Unregister("missing")

			Convey("Then the order of the rest is kept", func() {
				var ids []string
				for _, p := range m.All() {
					ids = append(ids, p.ID())
				}
				So(ids, ShouldResemble, []string{"a", "c"})
				So(m.Len(), ShouldEqual, 2)
			})
		})
	})
}
