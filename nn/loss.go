package nn

import (
	"fmt"

	"github.com/forgi86/extension-cpp/ops"
	"github.com/forgi86/extension-cpp/tensor"
)

// MSELoss returns mean((pred - target)^2) as a one-element tensor.
func MSELoss(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !pred.Shape.Equal(target.Shape) {
		return nil, fmt.Errorf("mse: shape %v does not match target %v", pred.Shape, target.Shape)
	}
	diff, err := ops.Sub(pred, target)
	if err != nil {
		return nil, err
	}
	sq, err := ops.Mul(diff, diff)
	if err != nil {
		return nil, err
	}
	sum, err := ops.Sum(sq, -1, false)
	if err != nil {
		return nil, err
	}
	scale, err := tensor.Full(pred.Device(), 1/float64(pred.NumElements()), 1)
	if err != nil {
		return nil, err
	}
	return ops.Mul(sum, scale)
}
