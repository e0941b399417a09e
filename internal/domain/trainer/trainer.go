// Package trainer defines the client-side training capability the
// coordinator drives over the network, and a local implementation of it.
package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/fedlab/internal/domain/dataset"
	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

const defaultBatchSize = 32

// Trainer is what a participating client exposes to the coordinator.
type Trainer interface {
	// GetParameters returns a copy of the current local model parameters.
	GetParameters(ctx context.Context) (params.Parameters, error)
	// SetParameters replaces the local parameters. Shapes must match.
	SetParameters(ctx context.Context, p params.Parameters) error
	// Fit installs p, trains locally and returns the trained parameters.
	Fit(ctx context.Context, p params.Parameters, cfg model.RoundConfig) (model.FitResult, error)
	// Evaluate installs p and scores it on the held-out split.
	Evaluate(ctx context.Context, p params.Parameters, cfg model.RoundConfig) (model.EvalResult, error)
}

// Learner is a trainable model. Implementations need not be safe for
// concurrent use; LocalTrainer serializes access.
type Learner interface {
	Parameters() params.Parameters
	SetParameters(p params.Parameters) error
	// TrainBatch runs one SGD step on b and returns the mean batch loss.
	TrainBatch(ctx context.Context, b dataset.Batch, lr float64) (float64, error)
	// EvalBatch returns the summed cross-entropy and the number of correct
	// predictions on b, without updating parameters.
	EvalBatch(ctx context.Context, b dataset.Batch) (lossSum float64, correct int, err error)
}

// LocalTrainer implements Trainer over a Learner and two in-memory splits.
type LocalTrainer struct {
	learner   Learner
	train     dataset.Split
	test      dataset.Split
	batchSize int
	epochs    int
	lr        float64
	classes   int
	rng       *rand.Rand
	log       logger.Logger

	mu sync.Mutex
}

// Option configures a LocalTrainer.
type Option func(*LocalTrainer)

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) Option {
	return func(t *LocalTrainer) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithDefaults sets the epochs and learning rate used when the coordinator
// omits them.
func WithDefaults(epochs int, lr float64) Option {
	return func(t *LocalTrainer) {
		if epochs > 0 {
			t.epochs = epochs
		}
		if lr > 0 {
			t.lr = lr
		}
	}
}

// WithNumClasses records the output width of the learner so rounds announcing
// a different class count are refused.
func WithNumClasses(n int) Option {
	return func(t *LocalTrainer) {
		if n > 0 {
			t.classes = n
		}
	}
}

// WithSeed fixes the shuffling seed.
func WithSeed(seed int64) Option {
	return func(t *LocalTrainer) {
		t.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // shuffling only
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(t *LocalTrainer) {
		if l != nil {
			t.log = l
		}
	}
}

// NewLocalTrainer builds a trainer over learner with the given splits.
func NewLocalTrainer(learner Learner, train, test dataset.Split, opts ...Option) *LocalTrainer {
	t := &LocalTrainer{
		learner:   learner,
		train:     train,
		test:      test,
		batchSize: defaultBatchSize,
		epochs:    model.DefaultLocalEpochs,
		lr:        model.DefaultLearningRate,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // shuffling only
	}
	if t.log == nil {
		t.log = logger.Get().Named("trainer")
	}
	return t
}

// GetParameters returns a copy of the learner's parameters.
func (t *LocalTrainer) GetParameters(_ context.Context) (params.Parameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.learner.Parameters().Clone(), nil
}

// SetParameters installs p after checking shapes.
func (t *LocalTrainer) SetParameters(_ context.Context, p params.Parameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.install(p)
}

func (t *LocalTrainer) install(p params.Parameters) error {
	if err := params.CheckCompatible(t.learner.Parameters(), p); err != nil {
		return err
	}
	return t.learner.SetParameters(p.Clone())
}

// Fit installs p and trains for cfg.LocalEpochs passes over the training split.
func (t *LocalTrainer) Fit(ctx context.Context, p params.Parameters, cfg model.RoundConfig) (model.FitResult, error) {
	cfg = cfg.WithDefaults(t.epochs, t.lr)
	if err := cfg.Validate(); err != nil {
		return model.FitResult{}, err
	}
	if err := cfg.CheckClasses(t.classes); err != nil {
		return model.FitResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.install(p); err != nil {
		return model.FitResult{}, err
	}
	if t.train.Len() == 0 {
		t.log.Warn(ctx, "training split is empty, returning parameters unchanged", logger.Error(ErrEmptyTraining))
	}

	start := time.Now()
	for epoch := 1; epoch <= cfg.LocalEpochs; epoch++ {
		var sum float64
		batches := t.train.Batches(t.batchSize, t.rng)
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return model.FitResult{}, err
			}
			loss, err := t.learner.TrainBatch(ctx, b, cfg.LearningRate)
			if err != nil {
				return model.FitResult{}, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			sum += loss * float64(b.Len())
		}
		t.log.Debug(ctx, "epoch finished",
			logger.Int("epoch", epoch),
			logger.Float64("train_loss", sum/float64(max(t.train.Len(), 1))),
		)
	}
	metrics.RecordLocalFit(time.Since(start).Seconds())

	return model.FitResult{
		Parameters:  t.learner.Parameters().Clone(),
		NumExamples: t.train.Len(),
		Metadata:    map[string]float64{model.MetaLocalEpochs: float64(cfg.LocalEpochs)},
	}, nil
}

// Evaluate installs p and computes loss and accuracy over the held-out split.
// An empty split yields a zero result flagged EmptyPartition with one
// reported example.
func (t *LocalTrainer) Evaluate(ctx context.Context, p params.Parameters, cfg model.RoundConfig) (model.EvalResult, error) {
	if err := cfg.CheckClasses(t.classes); err != nil {
		return model.EvalResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.install(p); err != nil {
		return model.EvalResult{}, err
	}

	var lossSum float64
	correct := 0
	for _, b := range t.test.Batches(t.batchSize, nil) {
		if err := ctx.Err(); err != nil {
			return model.EvalResult{}, err
		}
		l, c, err := t.learner.EvalBatch(ctx, b)
		if err != nil {
			return model.EvalResult{}, err
		}
		lossSum += l
		correct += c
	}

	total := t.test.Len()
	res := model.EvalResult{NumExamples: total}
	if total == 0 {
		t.log.Warn(ctx, "evaluating on an empty held-out split", logger.Error(ErrEmptyPartition))
		res.NumExamples = 1
		res.EmptyPartition = true
	}
	denom := float64(max(total, 1))
	res.Loss = lossSum / denom
	res.Metrics = model.EvalMetrics{
		Accuracy:      float64(correct) / denom,
		Misclassified: total - correct,
	}
	metrics.RecordLocalEval(res.Loss, res.EmptyPartition)
	return res, nil
}

var _ Trainer = (*LocalTrainer)(nil)
