// Package sim provides a dummy Trainer used to exercise the round protocol
// without data or a real model. Its single 2x2 tensor starts from a standard
// normal draw and grows by 1.0 per local epoch; evaluation reports the tensor
// mean as loss.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/internal/domain/trainer"
)

// NumExamples is the fixed example count reported by Fit and Evaluate.
const NumExamples = 5

// Trainer is the dummy trainer.
type Trainer struct {
	mu     sync.Mutex
	w      params.Tensor
	epochs int
}

// Option configures the initial tensor of New.
type Option func(*initOptions)

type initOptions struct {
	seed   int64
	stddev float64
}

// WithSeed fixes the seed of the initial draw.
func WithSeed(seed int64) Option {
	return func(i *initOptions) { i.seed = seed }
}

// WithStddev scales the initial draw. Zero starts from an all-zero tensor.
func WithStddev(s float64) Option {
	return func(i *initOptions) {
		if s >= 0 {
			i.stddev = s
		}
	}
}

// New returns a trainer whose tensor is drawn from N(0, 1), seeded from the
// clock unless WithSeed is given.
func New(opts ...Option) *Trainer {
	in := initOptions{seed: time.Now().UnixNano(), stddev: 1}
	for _, opt := range opts {
		opt(&in)
	}
	rng := rand.New(rand.NewSource(in.seed)) //nolint:gosec // simulated weights only
	w := params.NewTensor(2, 2)
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * in.stddev)
	}
	return &Trainer{w: w, epochs: model.DefaultLocalEpochs}
}

// GetParameters returns a copy of the tensor.
func (t *Trainer) GetParameters(_ context.Context) (params.Parameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return params.Parameters{t.w.Clone()}, nil
}

// SetParameters replaces the tensor.
func (t *Trainer) SetParameters(_ context.Context, p params.Parameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.install(p)
}

func (t *Trainer) install(p params.Parameters) error {
	if err := params.CheckCompatible(params.Parameters{t.w}, p); err != nil {
		return err
	}
	t.w = p[0].Clone()
	return nil
}

// Fit adds 1.0 to every element once per local epoch.
func (t *Trainer) Fit(_ context.Context, p params.Parameters, cfg model.RoundConfig) (model.FitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.install(p); err != nil {
		return model.FitResult{}, err
	}
	cfg = cfg.WithDefaults(t.epochs, model.DefaultLearningRate)
	for e := 0; e < cfg.LocalEpochs; e++ {
		for i := range t.w.Data {
			t.w.Data[i] += 1.0
		}
	}
	return model.FitResult{
		Parameters:  params.Parameters{t.w.Clone()},
		NumExamples: NumExamples,
		Metadata:    map[string]float64{model.MetaLocalEpochs: float64(cfg.LocalEpochs)},
	}, nil
}

// Evaluate reports the mean of the tensor as loss and mean*0.01, clamped to
// [0,1], as accuracy.
func (t *Trainer) Evaluate(_ context.Context, p params.Parameters, _ model.RoundConfig) (model.EvalResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.install(p); err != nil {
		return model.EvalResult{}, err
	}
	var sum float64
	for _, v := range t.w.Data {
		sum += float64(v)
	}
	mean := sum / float64(len(t.w.Data))
	acc := min(max(mean*0.01, 0), 1)
	return model.EvalResult{
		Loss:        max(mean, 0),
		NumExamples: NumExamples,
		Metrics: model.EvalMetrics{
			Accuracy:      acc,
			Misclassified: NumExamples - int(acc*NumExamples),
		},
	}, nil
}

var _ trainer.Trainer = (*Trainer)(nil)
