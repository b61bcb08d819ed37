package ops

import (
	"fmt"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/tensor"
)

// asMatrix views a packed tensor as [rows, cols] for column copies along dim.
// dim 0 of a [r, c] tensor is treated as a single row of r*c elements.
func asMatrix(shape core.Shape, dim int) (rows, cols int) {
	if dim == 0 {
		return 1, shape.NumElements()
	}
	return shape[0], shape[1]
}

func check2D(op string, t *tensor.Tensor, dim int) error {
	if len(t.Shape) != 2 {
		return fmt.Errorf("%s: expected 2D tensor, got shape %v", op, t.Shape)
	}
	if dim != 0 && dim != 1 {
		return fmt.Errorf("%s: dim %d out of range for 2D tensor", op, dim)
	}
	return nil
}

// Cat concatenates 2D tensors along dim.
func Cat(ts []*tensor.Tensor, dim int) (*tensor.Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("cat: expected a non-empty list of tensors")
	}
	be, err := prepare("cat", ts...)
	if err != nil {
		return nil, err
	}
	outShape := ts[0].Shape.Clone()
	if err := check2D("cat", ts[0], dim); err != nil {
		return nil, err
	}
	outShape[dim] = 0
	for _, t := range ts {
		if err := check2D("cat", t, dim); err != nil {
			return nil, err
		}
		if t.Shape[1-dim] != ts[0].Shape[1-dim] {
			return nil, fmt.Errorf("cat: sizes of tensors must match except in dimension %d, got %v and %v", dim, ts[0].Shape, t.Shape)
		}
		outShape[dim] += t.Shape[dim]
	}
	out, err := empty(ts[0].Device(), outShape)
	if err != nil {
		return nil, err
	}
	rows, cols := asMatrix(outShape, dim)
	off := 0
	for _, t := range ts {
		tc, err := contiguous(t)
		if err != nil {
			return nil, err
		}
		_, w := asMatrix(t.Shape, dim)
		if err := be.CopyColumns(out.Storage, tc.Storage, rows, cols, off, w, 0, w); err != nil {
			return nil, err
		}
		off += w
	}
	if tensor.AnyRequiresGrad(ts...) {
		tensor.NewNode("CatBackward", ts, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			grads := make([]*tensor.Tensor, len(ts))
			start := 0
			for i, t := range ts {
				gi, err := narrowRaw(be, g[0], dim, start, t.Shape[dim])
				if err != nil {
					return nil, err
				}
				grads[i] = gi
				start += t.Shape[dim]
			}
			return grads, nil
		})
	}
	return out, nil
}

func narrowRaw(be backend.Backend, x *tensor.Tensor, dim, start, length int) (*tensor.Tensor, error) {
	xc, err := contiguous(x)
	if err != nil {
		return nil, err
	}
	shape := x.Shape.Clone()
	shape[dim] = length
	out, err := empty(x.Device(), shape)
	if err != nil {
		return nil, err
	}
	rows, cols := asMatrix(x.Shape, dim)
	unit := 1
	if dim == 0 {
		unit = x.Shape[1]
	}
	if err := be.CopyColumns(out.Storage, xc.Storage, rows, length*unit, 0, cols, start*unit, length*unit); err != nil {
		return nil, err
	}
	return out, nil
}

// Narrow returns x[start:start+length] along dim as a new tensor.
func Narrow(x *tensor.Tensor, dim, start, length int) (*tensor.Tensor, error) {
	be, err := prepare("narrow", x)
	if err != nil {
		return nil, err
	}
	if err := check2D("narrow", x, dim); err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start+length > x.Shape[dim] {
		return nil, fmt.Errorf("narrow: start (%d) + length (%d) exceeds dimension size (%d)", start, length, x.Shape[dim])
	}
	out, err := narrowRaw(be, x, dim, start, length)
	if err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		tensor.NewNode("NarrowBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			gx, err := tensor.ZerosLike(x)
			if err != nil {
				return nil, err
			}
			rows, cols := asMatrix(x.Shape, dim)
			unit := 1
			if dim == 0 {
				unit = x.Shape[1]
			}
			gc, err := contiguous(g[0])
			if err != nil {
				return nil, err
			}
			if err := be.CopyColumns(gx.Storage, gc.Storage, rows, cols, start*unit, length*unit, 0, length*unit); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}

// Chunk splits x into n equal pieces along dim.
func Chunk(x *tensor.Tensor, n, dim int) ([]*tensor.Tensor, error) {
	if err := check2D("chunk", x, dim); err != nil {
		return nil, err
	}
	if n <= 0 || x.Shape[dim]%n != 0 {
		return nil, fmt.Errorf("chunk: dimension %d of size %d is not divisible into %d chunks", dim, x.Shape[dim], n)
	}
	size := x.Shape[dim] / n
	out := make([]*tensor.Tensor, n)
	for i := range out {
		c, err := Narrow(x, dim, i*size, size)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
