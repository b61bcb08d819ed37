package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/ops"
	"github.com/forgi86/extension-cpp/tensor"
)

// Linear is y = x @ W^T + bias. W is [OutSize, InSize], bias [1, OutSize].
type Linear struct {
	W       *tensor.Tensor
	Bias    *tensor.Tensor
	InSize  int
	OutSize int
}

// NewLinear initialises W and bias uniformly in [-1/sqrt(in), 1/sqrt(in)).
func NewLinear(rng *rand.Rand, device backend.Device, inSize, outSize int) (*Linear, error) {
	if inSize <= 0 || outSize <= 0 {
		return nil, fmt.Errorf("linear: sizes must be positive, got in=%d out=%d", inSize, outSize)
	}
	bound := 1 / math.Sqrt(float64(inSize))
	w, err := tensor.Uniform(rng, device, -bound, bound, true, outSize, inSize)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Uniform(rng, device, -bound, bound, true, 1, outSize)
	if err != nil {
		return nil, err
	}
	return &Linear{W: w, Bias: b, InSize: inSize, OutSize: outSize}, nil
}

// Forward maps x [batch, InSize] to [batch, OutSize].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.InSize {
		return nil, fmt.Errorf("linear: expected input [batch, %d], got %v", l.InSize, x.Shape)
	}
	return ops.Linear(x, l.W, l.Bias)
}

// Parameters returns W and Bias.
func (l *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.W, l.Bias}
}
