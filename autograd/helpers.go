package autograd

import (
	"fmt"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/tensor"
)

// ZeroGrad allocates gradient storage for t and fills with zero, if RequiresGrad.
func ZeroGrad(t *tensor.Tensor) error {
	if !t.RequiresGrad {
		return nil
	}
	if t.Grad != nil {
		be, err := backend.GetForDevice(t.Grad.Device())
		if err != nil {
			return err
		}
		return be.Fill(t.Grad.Storage, t.Grad.NumElements(), 0)
	}
	g, err := tensor.ZerosLike(t)
	if err != nil {
		return err
	}
	t.Grad = g
	return nil
}

// AccumulateGrad adds grad into t.Grad (creating t.Grad if nil).
func AccumulateGrad(t *tensor.Tensor, grad *tensor.Tensor) error {
	if grad == nil {
		return nil
	}
	if t.Grad == nil {
		g, err := grad.Clone()
		if err != nil {
			return err
		}
		t.Grad = g
		return nil
	}
	return addInto(t.Grad, grad)
}

// addInto computes dst += src in place. Shapes must match exactly.
func addInto(dst, src *tensor.Tensor) error {
	if !dst.Shape.Equal(src.Shape) {
		return fmt.Errorf("accumulate: shape %v does not match %v", src.Shape, dst.Shape)
	}
	be, err := backend.GetForDevice(dst.Device())
	if err != nil {
		return err
	}
	return be.Add(dst.Storage, dst.Storage, src.Storage, dst.Shape, src.Shape, dst.Strides, src.Strides, dst.Shape)
}
