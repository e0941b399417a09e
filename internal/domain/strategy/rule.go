// Package strategy implements the server-side aggregation rules of a
// federated round.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
)

// Supported rule names.
const (
	NameFedAvg     = "fedavg"
	NameFedAvgM    = "fedavgm"
	NameFedAdagrad = "fedadagrad"
	NameFedAdam    = "fedadam"
	NameFedYogi    = "fedyogi"
)

// FitOutcome is one client's fit reply.
type FitOutcome struct {
	ClientID string
	Result   model.FitResult
}

// EvalOutcome is one client's evaluate reply.
type EvalOutcome struct {
	ClientID string
	Result   model.EvalResult
}

// Failure is a client call that did not produce a result.
type Failure struct {
	ClientID string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("client %s: %v", f.ClientID, f.Err)
}

// Unwrap exposes the underlying error.
func (f Failure) Unwrap() error { return f.Err }

// Evaluation is the aggregated evaluation of a round. HasLoss is false when
// no client reported, in which case Loss carries no meaning.
type Evaluation struct {
	Loss        float64
	HasLoss     bool
	Metrics     model.EvalMetrics
	NumClients  int
	NumExamples int
}

// MetricsAggregationFunc combines per-client evaluation metrics.
type MetricsAggregationFunc func(results []EvalOutcome) model.EvalMetrics

// Rule aggregates client results into a new global model. The coordinator
// calls it sequentially: Initialize once, then AggregateFit followed by
// AggregateEvaluate for each round.
type Rule interface {
	Initialize(ctx context.Context, initial params.Parameters) error
	AggregateFit(ctx context.Context, round int, results []FitOutcome, failures []Failure) (params.Parameters, map[string]float64, error)
	AggregateEvaluate(ctx context.Context, round int, results []EvalOutcome, failures []Failure) (Evaluation, error)
}

// Option configures a rule built by New.
type Option func(*settings)

type settings struct {
	metricsAgg MetricsAggregationFunc
	log        logger.Logger

	serverLR float64
	momentum float64
	beta1    float64
	beta2    float64
	tau      float64
	// explicit marks hyperparameters set by options so per-rule defaults
	// do not override them.
	explicit map[string]bool
}

// WithMetricsAggregation replaces AggregateEvalMetrics.
func WithMetricsAggregation(fn MetricsAggregationFunc) Option {
	return func(s *settings) {
		if fn != nil {
			s.metricsAgg = fn
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerLearningRate sets the server-side step size of the optimiser rules.
func WithServerLearningRate(lr float64) Option {
	return func(s *settings) {
		if lr > 0 {
			s.serverLR = lr
			s.explicit["lr"] = true
		}
	}
}

// WithMomentum sets the server momentum of fedavgm.
func WithMomentum(m float64) Option {
	return func(s *settings) {
		if m >= 0 && m < 1 {
			s.momentum = m
			s.explicit["momentum"] = true
		}
	}
}

// WithBetas sets the first and second moment decay of the adaptive rules.
func WithBetas(beta1, beta2 float64) Option {
	return func(s *settings) {
		if beta1 >= 0 && beta1 < 1 && beta2 >= 0 && beta2 < 1 {
			s.beta1, s.beta2 = beta1, beta2
			s.explicit["betas"] = true
		}
	}
}

// WithTau sets the adaptivity constant of the adaptive rules.
func WithTau(tau float64) Option {
	return func(s *settings) {
		if tau > 0 {
			s.tau = tau
			s.explicit["tau"] = true
		}
	}
}

func (s *settings) defaults(lr, momentum, beta1, beta2, tau float64) {
	if !s.explicit["lr"] {
		s.serverLR = lr
	}
	if !s.explicit["momentum"] {
		s.momentum = momentum
	}
	if !s.explicit["betas"] {
		s.beta1, s.beta2 = beta1, beta2
	}
	if !s.explicit["tau"] {
		s.tau = tau
	}
}

// Names lists the supported rule names in sorted order.
func Names() []string {
	names := []string{NameFedAvg, NameFedAvgM, NameFedAdagrad, NameFedAdam, NameFedYogi}
	sort.Strings(names)
	return names
}

// New builds the rule registered under name.
func New(name string, opts ...Option) (Rule, error) {
	s := &settings{metricsAgg: AggregateEvalMetrics, explicit: map[string]bool{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("strategy")
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameFedAvg:
		return newFedAvg(s), nil
	case NameFedAvgM:
		s.defaults(1.0, 0, 0, 0, 0)
		return newFedOpt(s, updateMomentum), nil
	case NameFedAdagrad:
		s.defaults(0.1, 0, 0, 0, 1e-9)
		return newFedOpt(s, updateAdagrad), nil
	case NameFedAdam:
		s.defaults(0.1, 0, 0.9, 0.99, 1e-9)
		return newFedOpt(s, updateAdam), nil
	case NameFedYogi:
		s.defaults(0.01, 0, 0.9, 0.99, 1e-3)
		return newFedOpt(s, updateYogi), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownStrategy, name, strings.Join(Names(), ", "))
	}
}
