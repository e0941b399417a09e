package strategy

import (
	"context"
	"fmt"

	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
)

// FedAvg replaces the global model with the example-weighted mean of the
// client models.
type FedAvg struct {
	settings *settings
	current  params.Parameters
}

func newFedAvg(s *settings) *FedAvg {
	return &FedAvg{settings: s}
}

// Initialize records the initial global model.
func (f *FedAvg) Initialize(_ context.Context, initial params.Parameters) error {
	f.current = initial.Clone()
	return nil
}

// AggregateFit returns the weighted mean of the client parameters.
func (f *FedAvg) AggregateFit(ctx context.Context, round int, results []FitOutcome, failures []Failure) (params.Parameters, map[string]float64, error) {
	logFailures(ctx, f.settings.log, "fit", round, failures)
	avg, err := f.average(results)
	if err != nil {
		return nil, nil, err
	}
	f.current = avg.Clone()
	return avg, aggregateFitMetadata(results), nil
}

// AggregateEvaluate returns the weighted loss and the aggregated metrics.
func (f *FedAvg) AggregateEvaluate(ctx context.Context, round int, results []EvalOutcome, failures []Failure) (Evaluation, error) {
	return evaluate(ctx, f.settings, round, results, failures), nil
}

// average computes the weighted mean and checks it against the current
// global model when one is known.
func (f *FedAvg) average(results []FitOutcome) (params.Parameters, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	avg, err := WeightedAverage(results)
	if err != nil {
		return nil, err
	}
	if f.current != nil {
		if err := params.CheckCompatible(f.current, avg); err != nil {
			return nil, fmt.Errorf("against global model: %w", err)
		}
	}
	return avg, nil
}

func evaluate(ctx context.Context, s *settings, round int, results []EvalOutcome, failures []Failure) Evaluation {
	logFailures(ctx, s.log, "evaluate", round, failures)
	loss, ok := WeightedLoss(results)
	ev := Evaluation{Loss: loss, HasLoss: ok, NumClients: len(results)}
	if !ok {
		return ev
	}
	for _, r := range results {
		ev.NumExamples += r.Result.NumExamples
	}
	ev.Metrics = s.metricsAgg(results)
	return ev
}

func logFailures(ctx context.Context, log logger.Logger, phase string, round int, failures []Failure) {
	for _, f := range failures {
		log.Warn(ctx, "client failed",
			logger.String("phase", phase),
			logger.Int("round", round),
			logger.String("client_id", f.ClientID),
			logger.Error(f.Err),
		)
	}
}
