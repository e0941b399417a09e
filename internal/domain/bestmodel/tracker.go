// Package bestmodel decorates an aggregation rule with persistence of the
// lowest-loss global model seen during a run.
package bestmodel

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/internal/domain/strategy"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

// Store persists the best model, overwriting any previous record.
type Store interface {
	Save(ctx context.Context, rec model.BestModelRecord) error
}

// Tracker wraps a strategy.Rule. Every call is forwarded unchanged; after a
// round's evaluation it persists the round's global parameters when the
// aggregated loss improves on the best seen so far.
type Tracker struct {
	inner strategy.Rule
	store Store
	log   logger.Logger

	mu       sync.RWMutex
	bestLoss float64
	best     *model.BestModelRecord
	captured map[int]params.Parameters
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTracker decorates inner with best-model persistence through store.
func NewTracker(inner strategy.Rule, store Store, opts ...Option) *Tracker {
	t := &Tracker{
		inner:    inner,
		store:    store,
		bestLoss: math.Inf(1),
		captured: map[int]params.Parameters{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.Get().Named("bestmodel")
	}
	return t
}

// Initialize forwards to the wrapped rule.
func (t *Tracker) Initialize(ctx context.Context, initial params.Parameters) error {
	return t.inner.Initialize(ctx, initial)
}

// AggregateFit forwards to the wrapped rule and captures the new global
// parameters for the round.
func (t *Tracker) AggregateFit(ctx context.Context, round int, results []strategy.FitOutcome, failures []strategy.Failure) (params.Parameters, map[string]float64, error) {
	p, meta, err := t.inner.AggregateFit(ctx, round, results, failures)
	if err != nil || p == nil {
		return p, meta, err
	}
	t.mu.Lock()
	// Only the latest round is ever evaluated.
	clear(t.captured)
	t.captured[round] = p.Clone()
	t.mu.Unlock()
	return p, meta, nil
}

// AggregateEvaluate forwards to the wrapped rule, then persists the captured
// parameters when the loss is a new minimum. A failed save is logged and the
// best loss stays where it was.
func (t *Tracker) AggregateEvaluate(ctx context.Context, round int, results []strategy.EvalOutcome, failures []strategy.Failure) (strategy.Evaluation, error) {
	ev, err := t.inner.AggregateEvaluate(ctx, round, results, failures)
	if err != nil || !ev.HasLoss {
		return ev, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !(ev.Loss < t.bestLoss) {
		return ev, nil
	}
	p, ok := t.captured[round]
	if !ok {
		t.log.Warn(ctx, "improved loss without captured parameters",
			logger.Int("round", round),
			logger.Error(ErrNoCapture),
		)
		return ev, nil
	}

	rec := model.BestModelRecord{
		Round:      round,
		Loss:       ev.Loss,
		Metrics:    ev.Metrics,
		Parameters: p.Clone(),
		SavedAt:    time.Now().UTC(),
	}
	if err := t.store.Save(ctx, rec); err != nil {
		metrics.RecordBestModelSaveError()
		t.log.Error(ctx, "failed to persist best model",
			logger.Int("round", round),
			logger.Float64("loss", ev.Loss),
			logger.Error(err),
		)
		return ev, nil
	}

	prev := t.bestLoss
	t.bestLoss = ev.Loss
	rec.Parameters = nil
	t.best = &rec
	metrics.RecordBestModelSaved(round, ev.Loss)
	t.log.Info(ctx, "new best model saved",
		logger.Int("round", round),
		logger.Float64("loss", ev.Loss),
		logger.Float64("previous_loss", prev),
	)
	return ev, nil
}

// Best returns the metadata of the current best record, without parameters.
func (t *Tracker) Best() (model.BestModelRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.best == nil {
		return model.BestModelRecord{}, ErrNoBestModel
	}
	return *t.best, nil
}

// BestLoss returns the lowest persisted loss, +Inf before the first save.
func (t *Tracker) BestLoss() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bestLoss
}

var _ strategy.Rule = (*Tracker)(nil)
