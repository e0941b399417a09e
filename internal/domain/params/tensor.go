// Package params holds the model parameter containers exchanged between the
// coordinator and its clients.
package params

import (
	"fmt"
	"slices"
)

// Tensor is a dense float32 array with a shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor returns a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, volume(shape))}
}

// Validate reports whether the data length matches the shape.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrInvalidTensor, t.Shape)
		}
	}
	if n := volume(t.Shape); n != len(t.Data) {
		return fmt.Errorf("%w: shape %v wants %d values, have %d", ErrInvalidTensor, t.Shape, n, len(t.Data))
	}
	return nil
}

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Parameters is the ordered list of a model's learnable tensors, one per
// layer in layer-enumeration order.
type Parameters []Tensor

// Clone deep-copies every tensor. Parameters crossing a component boundary
// are always cloned so no two owners share backing arrays.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for i, t := range p {
		out[i] = t.Clone()
	}
	return out
}

// Shapes returns the ordered shape sequence.
func (p Parameters) Shapes() [][]int {
	out := make([][]int, len(p))
	for i, t := range p {
		out[i] = slices.Clone(t.Shape)
	}
	return out
}

// NumValues is the total number of scalars across all tensors.
func (p Parameters) NumValues() int {
	n := 0
	for _, t := range p {
		n += len(t.Data)
	}
	return n
}

// Validate checks every tensor.
func (p Parameters) Validate() error {
	for i, t := range p {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
	}
	return nil
}

// CheckCompatible returns ErrShapeMismatch when a and b do not have the same
// ordered shape sequence.
func CheckCompatible(a, b Parameters) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d tensors vs %d", ErrShapeMismatch, len(a), len(b))
	}
	for i := range a {
		if !slices.Equal(a[i].Shape, b[i].Shape) {
			return fmt.Errorf("%w: tensor %d has shape %v, expected %v", ErrShapeMismatch, i, b[i].Shape, a[i].Shape)
		}
	}
	return nil
}

// Zeros returns zeroed parameters with the same shapes as p.
func Zeros(p Parameters) Parameters {
	out := make(Parameters, len(p))
	for i, t := range p {
		out[i] = NewTensor(t.Shape...)
	}
	return out
}
