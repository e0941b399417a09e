package strategy

import (
	"context"
	"math"

	"github.com/okian/fedlab/internal/domain/params"
)

type updateKind int

const (
	updateMomentum updateKind = iota
	updateAdagrad
	updateAdam
	updateYogi
)

// FedOpt treats the difference between the FedAvg mean and the current global
// model as a pseudo-gradient and applies a server-side optimiser step to it.
type FedOpt struct {
	FedAvg
	kind updateKind
	step int
	m    [][]float64
	v    [][]float64
}

func newFedOpt(s *settings, kind updateKind) *FedOpt {
	return &FedOpt{FedAvg: FedAvg{settings: s}, kind: kind}
}

// Initialize records the initial global model and resets optimiser state.
func (f *FedOpt) Initialize(ctx context.Context, initial params.Parameters) error {
	f.step = 0
	f.m, f.v = nil, nil
	return f.FedAvg.Initialize(ctx, initial)
}

// AggregateFit applies one optimiser step. Without an initial model the first
// call adopts the plain mean.
func (f *FedOpt) AggregateFit(ctx context.Context, round int, results []FitOutcome, failures []Failure) (params.Parameters, map[string]float64, error) {
	logFailures(ctx, f.settings.log, "fit", round, failures)
	avg, err := f.average(results)
	if err != nil {
		return nil, nil, err
	}
	meta := aggregateFitMetadata(results)
	if f.current == nil {
		f.current = avg.Clone()
		return avg, meta, nil
	}
	if f.m == nil {
		f.m = zerosLike(f.current)
		f.v = zerosLike(f.current)
	}
	f.step++

	s := f.settings
	lr := s.serverLR
	if f.kind == updateAdam {
		lr *= math.Sqrt(1-math.Pow(s.beta2, float64(f.step))) / (1 - math.Pow(s.beta1, float64(f.step)))
	}

	next := params.Zeros(f.current)
	for i, t := range f.current {
		m, v := f.m[i], f.v[i]
		for j, x := range t.Data {
			delta := float64(avg[i].Data[j]) - float64(x)
			var upd float64
			switch f.kind {
			case updateMomentum:
				m[j] = s.momentum*m[j] + delta
				upd = lr * m[j]
			case updateAdagrad:
				m[j] = s.beta1*m[j] + (1-s.beta1)*delta
				v[j] += delta * delta
				upd = lr * m[j] / (math.Sqrt(v[j]) + s.tau)
			case updateAdam:
				m[j] = s.beta1*m[j] + (1-s.beta1)*delta
				v[j] = s.beta2*v[j] + (1-s.beta2)*delta*delta
				upd = lr * m[j] / (math.Sqrt(v[j]) + s.tau)
			case updateYogi:
				d2 := delta * delta
				m[j] = s.beta1*m[j] + (1-s.beta1)*delta
				v[j] -= (1 - s.beta2) * d2 * sign(v[j]-d2)
				upd = lr * m[j] / (math.Sqrt(v[j]) + s.tau)
			}
			next[i].Data[j] = float32(float64(x) + upd)
		}
	}
	f.current = next.Clone()
	return next, meta, nil
}

func zerosLike(p params.Parameters) [][]float64 {
	out := make([][]float64, len(p))
	for i, t := range p {
		out[i] = make([]float64, len(t.Data))
	}
	return out
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
