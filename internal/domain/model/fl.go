// Package model contains the federated-learning records passed between the
// coordinator, the aggregation rules and the clients.
package model

import (
	"fmt"
	"time"

	"github.com/okian/fedlab/internal/domain/params"
)

// Metadata keys attached to fit results.
const (
	MetaLocalEpochs = "local_epochs"
)

// Defaults used by clients when the coordinator omits an option.
const (
	DefaultLocalEpochs  = 1
	DefaultLearningRate = 0.01
)

// RoundConfig carries the hyperparameters the coordinator sends with a fit or
// evaluate instruction.
type RoundConfig struct {
	LocalEpochs  int     `json:"local_epochs,omitempty"`
	LearningRate float64 `json:"lr,omitempty"`
	// NumClasses is the width of the output layer the server expects; zero
	// leaves it unchecked.
	NumClasses   int     `json:"num_classes,omitempty"`
}

// Validate checks that the config is usable for training.
func (c RoundConfig) Validate() error {
	if c.LocalEpochs < 1 {
		return fmt.Errorf("%w: local_epochs must be >= 1, got %d", ErrInvalidRoundConfig, c.LocalEpochs)
	}
	if !(c.LearningRate > 0) {
		return fmt.Errorf("%w: lr must be > 0, got %v", ErrInvalidRoundConfig, c.LearningRate)
	}
	if c.NumClasses < 0 {
		return fmt.Errorf("%w: num_classes must not be negative, got %d", ErrInvalidRoundConfig, c.NumClasses)
	}
	return nil
}

// CheckClasses reports a mismatch between the announced class count and the
// local model's. Either side being zero skips the check.
func (c RoundConfig) CheckClasses(local int) error {
	if c.NumClasses == 0 || local == 0 || c.NumClasses == local {
		return nil
	}
	return fmt.Errorf("%w: server expects %d classes, local model has %d", ErrInvalidRoundConfig, c.NumClasses, local)
}

// WithDefaults fills zero fields with the given fallbacks.
func (c RoundConfig) WithDefaults(epochs int, lr float64) RoundConfig {
	if c.LocalEpochs == 0 {
		c.LocalEpochs = epochs
	}
	if c.LearningRate == 0 {
		c.LearningRate = lr
	}
	return c
}

// FitResult is what a client returns after local training.
type FitResult struct {
	Parameters  params.Parameters
	NumExamples int
	Metadata    map[string]float64
}

// EvalMetrics are the per-client evaluation metrics.
type EvalMetrics struct {
	Accuracy      float64 `json:"accuracy"`
	Misclassified int     `json:"misclassified"`
}

// EvalResult is what a client returns after evaluating on its held-out split.
type EvalResult struct {
	Loss           float64
	NumExamples    int
	Metrics        EvalMetrics
	EmptyPartition bool
}

// AggregatedRoundResult summarizes one completed round.
type AggregatedRoundResult struct {
	Round       int                `json:"round"`
	Loss        float64            `json:"loss"`
	Metrics     EvalMetrics        `json:"metrics"`
	NumClients  int                `json:"num_clients"`
	FitMetadata map[string]float64 `json:"fit_metadata,omitempty"`
	Duration    time.Duration      `json:"duration_ns"`
}

// RoundFailure records a round that produced no result.
type RoundFailure struct {
	Round  int    `json:"round"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// BestModelRecord is the persisted best global model.
type BestModelRecord struct {
	Round      int               `json:"round"`
	Loss       float64           `json:"loss"`
	Metrics    EvalMetrics       `json:"metrics"`
	Parameters params.Parameters `json:"-"`
	SavedAt    time.Time         `json:"saved_at"`
}
