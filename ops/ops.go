package ops

import (
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/tensor"
)

// Add returns a + b with broadcasting.
func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("add", a, b)
	if err != nil {
		return nil, err
	}
	out, err := binaryRaw(be.Add, a, b)
	if err != nil {
		return nil, err
	}
	if tensor.AnyRequiresGrad(a, b) {
		tensor.NewNode("AddBackward", []*tensor.Tensor{a, b}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			ga, err := sumToShape(be, g[0], a.Shape)
			if err != nil {
				return nil, err
			}
			gb, err := sumToShape(be, g[0], b.Shape)
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{ga, gb}, nil
		})
	}
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("sub", a, b)
	if err != nil {
		return nil, err
	}
	out, err := binaryRaw(be.Sub, a, b)
	if err != nil {
		return nil, err
	}
	if tensor.AnyRequiresGrad(a, b) {
		tensor.NewNode("SubBackward", []*tensor.Tensor{a, b}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			ga, err := sumToShape(be, g[0], a.Shape)
			if err != nil {
				return nil, err
			}
			neg, err := unaryRaw(be.Neg, g[0])
			if err != nil {
				return nil, err
			}
			gb, err := sumToShape(be, neg, b.Shape)
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{ga, gb}, nil
		})
	}
	return out, nil
}

// Mul returns a * b (element-wise with broadcast).
func Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("mul", a, b)
	if err != nil {
		return nil, err
	}
	out, err := binaryRaw(be.Mul, a, b)
	if err != nil {
		return nil, err
	}
	if tensor.AnyRequiresGrad(a, b) {
		ad, bd := a.Detach(), b.Detach()
		tensor.NewNode("MulBackward", []*tensor.Tensor{a, b}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			// grad_a = grad_out * b, grad_b = grad_out * a
			gab, err := binaryRaw(be.Mul, g[0], bd)
			if err != nil {
				return nil, err
			}
			ga, err := sumToShape(be, gab, a.Shape)
			if err != nil {
				return nil, err
			}
			gba, err := binaryRaw(be.Mul, g[0], ad)
			if err != nil {
				return nil, err
			}
			gb, err := sumToShape(be, gba, b.Shape)
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{ga, gb}, nil
		})
	}
	return out, nil
}

// Sum reduces x over axis (-1 for all axes).
func Sum(x *tensor.Tensor, axis int, keepDim bool) (*tensor.Tensor, error) {
	be, err := prepare("sum", x)
	if err != nil {
		return nil, err
	}
	out, err := sumRaw(be, x, axis, keepDim)
	if err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		tensor.NewNode("SumBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			// Re-insert the reduced axis as size 1, then broadcast back over x.
			gs := g[0]
			if axis >= 0 && !keepDim {
				shape := x.Shape.Clone()
				shape[axis] = 1
				if gs, err = gs.View(shape...); err != nil {
					return nil, err
				}
			}
			if axis == -1 {
				shape := make(core.Shape, len(x.Shape))
				for i := range shape {
					shape[i] = 1
				}
				if gs, err = gs.View(shape...); err != nil {
					return nil, err
				}
			}
			zeros, err := tensor.ZerosLike(x)
			if err != nil {
				return nil, err
			}
			gx, err := binaryRaw(be.Add, zeros, gs)
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}

// MatMul returns a @ b. a: [M, K], b: [K, N] -> [M, N]. Transposed views are
// passed to the backend without copying.
func MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("matmul", a, b)
	if err != nil {
		return nil, err
	}
	out, err := matmulRaw(be, a, b)
	if err != nil {
		return nil, err
	}
	if tensor.AnyRequiresGrad(a, b) {
		ad, bd := a.Detach(), b.Detach()
		tensor.NewNode("MmBackward", []*tensor.Tensor{a, b}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			// d(a@b)/da = grad_out @ b^T, d(a@b)/db = a^T @ grad_out
			bt, err := bd.Transpose()
			if err != nil {
				return nil, err
			}
			ga, err := matmulRaw(be, g[0], bt)
			if err != nil {
				return nil, err
			}
			at, err := ad.Transpose()
			if err != nil {
				return nil, err
			}
			gb, err := matmulRaw(be, at, g[0])
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{ga, gb}, nil
		})
	}
	return out, nil
}

// Transpose swaps the two axes of a 2D tensor. The result is a view.
func Transpose(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := x.Transpose()
	if err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		tensor.NewNode("TransposeBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			gx, err := transposeRaw(g[0])
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}

// Linear computes x @ w^T + bias. x: [batch, in], w: [out, in], bias
// broadcastable to [batch, out].
func Linear(x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	wt, err := Transpose(w)
	if err != nil {
		return nil, err
	}
	y, err := MatMul(x, wt)
	if err != nil {
		return nil, err
	}
	if bias == nil {
		return y, nil
	}
	return Add(y, bias)
}
