package tensor

import (
	"math/rand/v2"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
)

// NewRand returns a deterministic generator for the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Randn samples a float64 tensor from the standard normal distribution and
// places it on device.
func Randn(rng *rand.Rand, device backend.Device, requiresGrad bool, shape ...int) (*Tensor, error) {
	return sample(device, requiresGrad, shape, rng.NormFloat64)
}

// Uniform samples a float64 tensor uniformly from [lo, hi).
func Uniform(rng *rand.Rand, device backend.Device, lo, hi float64, requiresGrad bool, shape ...int) (*Tensor, error) {
	return sample(device, requiresGrad, shape, func() float64 { return lo + (hi-lo)*rng.Float64() })
}

func sample(device backend.Device, requiresGrad bool, shape []int, draw func() float64) (*Tensor, error) {
	data := make([]float64, core.Shape(shape).NumElements())
	for i := range data {
		data[i] = draw()
	}
	t, err := FromFloat64(data, shape...)
	if err != nil {
		return nil, err
	}
	if device != backend.CPU0 {
		if t, err = t.ToDevice(device); err != nil {
			return nil, err
		}
	}
	t.RequiresGrad = requiresGrad
	return t, nil
}
