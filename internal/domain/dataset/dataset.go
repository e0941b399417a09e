// Package dataset holds in-memory labelled image splits and their batching.
package dataset

import (
	"fmt"
	"math/rand"
)

// Sample is one image in CHW float32 layout with its class index.
type Sample struct {
	Pixels []float32
	Label  int
}

// Split is a labelled set of images sharing one shape.
type Split struct {
	Samples []Sample
	Classes []string
	// Shape is channels, height, width.
	Shape [3]int
}

// Len returns the number of samples.
func (s Split) Len() int { return len(s.Samples) }

// SampleSize is the number of float32 values per sample.
func (s Split) SampleSize() int { return s.Shape[0] * s.Shape[1] * s.Shape[2] }

// Validate checks every sample against the split shape and class list.
func (s Split) Validate() error {
	size := s.SampleSize()
	for i, smp := range s.Samples {
		if len(smp.Pixels) != size {
			return fmt.Errorf("sample %d: %d values, want %d", i, len(smp.Pixels), size)
		}
		if smp.Label < 0 || (len(s.Classes) > 0 && smp.Label >= len(s.Classes)) {
			return fmt.Errorf("sample %d: label %d out of range", i, smp.Label)
		}
	}
	return nil
}

// Batch is a contiguous block of samples: X holds Len()*SampleSize values.
type Batch struct {
	X      []float32
	Labels []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Labels) }

// Batches splits the samples into batches of at most size. When rng is not
// nil the sample order is shuffled first.
func (s Split) Batches(size int, rng *rand.Rand) []Batch {
	n := s.Len()
	if n == 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	sz := s.SampleSize()
	out := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		b := Batch{X: make([]float32, 0, (end-start)*sz), Labels: make([]int, 0, end-start)}
		for _, idx := range order[start:end] {
			b.X = append(b.X, s.Samples[idx].Pixels...)
			b.Labels = append(b.Labels, s.Samples[idx].Label)
		}
		out = append(out, b)
	}
	return out
}
