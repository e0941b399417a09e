package coordinator

import (
	"context"

	"github.com/okian/fedlab/internal/domain/model"
)

// History is the outcome of a run: one entry per aggregated round and one per
// failed round.
type History struct {
	Results  []model.AggregatedRoundResult `json:"results"`
	Failures []model.RoundFailure          `json:"failures"`
}

// Best returns the completed round with the lowest loss.
func (h History) Best() (model.AggregatedRoundResult, bool) {
	var best model.AggregatedRoundResult
	found := false
	for _, r := range h.Results {
		if !found || r.Loss < best.Loss {
			best, found = r, true
		}
	}
	return best, found
}

func (h History) clone() History {
	return History{
		Results:  append([]model.AggregatedRoundResult(nil), h.Results...),
		Failures: append([]model.RoundFailure(nil), h.Failures...),
	}
}

// RoundObserver is notified after every completed round.
type RoundObserver interface {
	RoundCompleted(ctx context.Context, res model.AggregatedRoundResult)
}

// ObserverFunc adapts a function to RoundObserver.
type ObserverFunc func(ctx context.Context, res model.AggregatedRoundResult)

// RoundCompleted calls f.
func (f ObserverFunc) RoundCompleted(ctx context.Context, res model.AggregatedRoundResult) {
	f(ctx, res)
}
