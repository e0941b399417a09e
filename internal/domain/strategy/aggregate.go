package strategy

import (
	"fmt"
	"sort"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
)

// AggregateEvalMetrics is the default MetricsAggregationFunc: accuracy is the
// unweighted mean over clients and misclassified counts are summed.
func AggregateEvalMetrics(results []EvalOutcome) model.EvalMetrics {
	if len(results) == 0 {
		return model.EvalMetrics{}
	}
	var acc float64
	var mis int
	for _, r := range results {
		acc += r.Result.Metrics.Accuracy
		mis += r.Result.Metrics.Misclassified
	}
	return model.EvalMetrics{Accuracy: acc / float64(len(results)), Misclassified: mis}
}

// WeightedLoss returns the example-weighted mean loss. When every client
// reported zero examples the plain mean is used.
func WeightedLoss(results []EvalOutcome) (float64, bool) {
	if len(results) == 0 {
		return 0, false
	}
	var sum, plain float64
	total := 0
	for _, r := range results {
		sum += r.Result.Loss * float64(r.Result.NumExamples)
		plain += r.Result.Loss
		total += r.Result.NumExamples
	}
	if total == 0 {
		return plain / float64(len(results)), true
	}
	return sum / float64(total), true
}

// WeightedAverage returns the example-weighted mean of the fit results'
// parameters. Shapes must agree across results.
func WeightedAverage(results []FitOutcome) (params.Parameters, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	ref := results[0].Result.Parameters
	total := 0
	for _, r := range results {
		if err := params.CheckCompatible(ref, r.Result.Parameters); err != nil {
			return nil, fmt.Errorf("client %s: %w", r.ClientID, err)
		}
		total += r.Result.NumExamples
	}

	acc := make([][]float64, len(ref))
	for i, t := range ref {
		acc[i] = make([]float64, len(t.Data))
	}
	for _, r := range results {
		w := float64(r.Result.NumExamples)
		if total == 0 {
			w = 1
		}
		for i, t := range r.Result.Parameters {
			a := acc[i]
			for j, v := range t.Data {
				a[j] += w * float64(v)
			}
		}
	}
	denom := float64(total)
	if total == 0 {
		denom = float64(len(results))
	}

	out := params.Zeros(ref)
	for i := range out {
		for j, v := range acc[i] {
			out[i].Data[j] = float32(v / denom)
		}
	}
	return out, nil
}

// aggregateFitMetadata averages every metadata key over the clients that
// reported it.
func aggregateFitMetadata(results []FitOutcome) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, r := range results {
		for k, v := range r.Result.Metadata {
			sums[k] += v
			counts[k]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = sums[k] / float64(counts[k])
	}
	return out
}
