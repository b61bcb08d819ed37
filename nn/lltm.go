package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/extension"
	"github.com/forgi86/extension-cpp/tensor"
)

// LLTM is a recurrent cell backed by the extension_cpp::lltm_forward
// operator. Weights is [3*StateSize, Features+StateSize], Bias [1, 3*StateSize].
type LLTM struct {
	Weights   *tensor.Tensor
	Bias      *tensor.Tensor
	Features  int
	StateSize int
	device    backend.Device
}

// NewLLTM initialises the parameters uniformly in [-1/sqrt(S), 1/sqrt(S)).
func NewLLTM(rng *rand.Rand, device backend.Device, features, stateSize int) (*LLTM, error) {
	if features <= 0 || stateSize <= 0 {
		return nil, fmt.Errorf("lltm: sizes must be positive, got features=%d state=%d", features, stateSize)
	}
	stdv := 1 / math.Sqrt(float64(stateSize))
	w, err := tensor.Uniform(rng, device, -stdv, stdv, true, 3*stateSize, features+stateSize)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Uniform(rng, device, -stdv, stdv, true, 1, 3*stateSize)
	if err != nil {
		return nil, err
	}
	return &LLTM{Weights: w, Bias: b, Features: features, StateSize: stateSize, device: device}, nil
}

// InitState returns zero (h, C) for a batch.
func (m *LLTM) InitState(batch int) (h, c *tensor.Tensor, err error) {
	if h, err = tensor.Zeros(m.device, batch, m.StateSize); err != nil {
		return nil, nil, err
	}
	if c, err = tensor.Zeros(m.device, batch, m.StateSize); err != nil {
		return nil, nil, err
	}
	return h, c, nil
}

// Forward advances the cell one step and returns (new_h, new_cell).
func (m *LLTM) Forward(input, h, c *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return extension.Lltm(input, m.Weights, m.Bias, h, c)
}

// Parameters returns Weights and Bias.
func (m *LLTM) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.Weights, m.Bias}
}
