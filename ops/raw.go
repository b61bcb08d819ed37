package ops

import (
	"fmt"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/tensor"
)

const elemSize = 8

// prepare checks that all operands are float64 tensors on one device and
// returns that device's backend.
func prepare(op string, ts ...*tensor.Tensor) (backend.Backend, error) {
	dev := ts[0].Device()
	for _, t := range ts {
		if t.DType != core.Float64 {
			return nil, fmt.Errorf("%s: expected float64 tensors, got %s", op, t.DType)
		}
		if t.Device() != dev {
			return nil, fmt.Errorf("%s: expected all tensors to be on the same device, but found %s and %s", op, dev, t.Device())
		}
		if t.IsFake() {
			return nil, fmt.Errorf("%s: cannot compute on metadata-only tensors", op)
		}
	}
	return backend.GetForDevice(dev)
}

func empty(dev backend.Device, shape core.Shape) (*tensor.Tensor, error) {
	return tensor.Empty(dev, core.Float64, shape...)
}

// contiguous returns t itself when already row-major, otherwise a packed copy.
func contiguous(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.Contiguous() {
		return t, nil
	}
	return t.Clone()
}

func binaryRaw(f func(dst, a, b backend.Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := core.BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out, err := empty(a.Device(), outShape)
	if err != nil {
		return nil, err
	}
	if err := f(out.Storage, a.Storage, b.Storage, a.Shape, b.Shape, a.Strides, b.Strides, outShape); err != nil {
		return nil, err
	}
	return out, nil
}

func unaryRaw(f func(dst, src backend.Storage, n int) error, x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := contiguous(x)
	if err != nil {
		return nil, err
	}
	out, err := empty(x.Device(), x.Shape.Clone())
	if err != nil {
		return nil, err
	}
	if err := f(out.Storage, x.Storage, x.NumElements()); err != nil {
		return nil, err
	}
	return out, nil
}

// sumRaw reduces one axis (or all with axis -1) without recording a node.
func sumRaw(be backend.Backend, x *tensor.Tensor, axis int, keepDim bool) (*tensor.Tensor, error) {
	var outShape core.Shape
	switch {
	case axis == -1 && keepDim:
		outShape = make(core.Shape, len(x.Shape))
		for i := range outShape {
			outShape[i] = 1
		}
	case axis == -1:
		outShape = core.Shape{1}
	default:
		if axis < 0 || axis >= len(x.Shape) {
			return nil, fmt.Errorf("sum: axis %d out of range for shape %v", axis, x.Shape)
		}
		for i, d := range x.Shape {
			switch {
			case i != axis:
				outShape = append(outShape, d)
			case keepDim:
				outShape = append(outShape, 1)
			}
		}
		if len(outShape) == 0 {
			outShape = core.Shape{1}
		}
	}
	out, err := empty(x.Device(), outShape)
	if err != nil {
		return nil, err
	}
	if err := be.Sum(out.Storage, x.Storage, x.Shape, x.Strides, axis, keepDim); err != nil {
		return nil, err
	}
	return out, nil
}

// sumToShape folds a broadcast gradient back onto the operand's shape.
func sumToShape(be backend.Backend, g *tensor.Tensor, shape core.Shape) (*tensor.Tensor, error) {
	var err error
	for len(g.Shape) > len(shape) {
		if g, err = sumRaw(be, g, 0, false); err != nil {
			return nil, err
		}
	}
	for i, d := range shape {
		if d == 1 && g.Shape[i] != 1 {
			if g, err = sumRaw(be, g, i, true); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// matOperand returns storage usable by MatMul for a 2D tensor, reporting
// whether it is a transposed view of packed data.
func matOperand(t *tensor.Tensor) (backend.Storage, bool, error) {
	if len(t.Shape) != 2 {
		return nil, false, fmt.Errorf("matmul: expected 2D tensor, got shape %v", t.Shape)
	}
	if t.Contiguous() {
		return t.Storage, false, nil
	}
	if t.Strides.Equal(core.Strides{elemSize, t.Shape[0] * elemSize}) {
		return t.Storage, true, nil
	}
	c, err := t.Clone()
	if err != nil {
		return nil, false, err
	}
	return c.Storage, false, nil
}

func matmulRaw(be backend.Backend, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	M, K := a.Shape[0], a.Shape[1]
	K2, N := b.Shape[0], b.Shape[1]
	if K != K2 {
		return nil, fmt.Errorf("matmul: a last dim %d != b first dim %d", K, K2)
	}
	as, ta, err := matOperand(a)
	if err != nil {
		return nil, err
	}
	bs, tb, err := matOperand(b)
	if err != nil {
		return nil, err
	}
	out, err := empty(a.Device(), core.Shape{M, N})
	if err != nil {
		return nil, err
	}
	if err := be.MatMul(out.Storage, as, bs, M, N, K, ta, tb); err != nil {
		return nil, err
	}
	return out, nil
}

// transposeRaw returns a packed transpose of a 2D tensor.
func transposeRaw(t *tensor.Tensor) (*tensor.Tensor, error) {
	v, err := t.Detach().Transpose()
	if err != nil {
		return nil, err
	}
	return v.Clone()
}
