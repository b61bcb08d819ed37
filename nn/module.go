package nn

import "github.com/forgi86/extension-cpp/tensor"

// Module is anything with trainable parameters.
type Module interface {
	Parameters() []*tensor.Tensor
}

// Optimizer updates parameters from their Grad.
type Optimizer interface {
	Step() error
	ZeroGrad() error
}

// Parameters concatenates the parameters of several modules.
func Parameters(mods ...Module) []*tensor.Tensor {
	var ps []*tensor.Tensor
	for _, m := range mods {
		ps = append(ps, m.Parameters()...)
	}
	return ps
}
