package ops

import (
	"github.com/forgi86/extension-cpp/tensor"
)

// Sigmoid returns 1 / (1 + exp(-x)).
func Sigmoid(x *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("sigmoid", x)
	if err != nil {
		return nil, err
	}
	out, err := unaryRaw(be.Sigmoid, x)
	if err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		y := out.Detach()
		tensor.NewNode("SigmoidBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			gx, err := empty(x.Device(), x.Shape.Clone())
			if err != nil {
				return nil, err
			}
			if err := be.SigmoidBackward(gx.Storage, g[0].Storage, y.Storage, gx.NumElements()); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *tensor.Tensor) (*tensor.Tensor, error) {
	be, err := prepare("tanh", x)
	if err != nil {
		return nil, err
	}
	out, err := unaryRaw(be.Tanh, x)
	if err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		y := out.Detach()
		tensor.NewNode("TanhBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			gx, err := empty(x.Device(), x.Shape.Clone())
			if err != nil {
				return nil, err
			}
			if err := be.TanhBackward(gx.Storage, g[0].Storage, y.Storage, gx.NumElements()); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}

// Elu returns x for x > 0 and alpha*(exp(x)-1) otherwise.
func Elu(x *tensor.Tensor, alpha float64) (*tensor.Tensor, error) {
	be, err := prepare("elu", x)
	if err != nil {
		return nil, err
	}
	xc, err := contiguous(x)
	if err != nil {
		return nil, err
	}
	out, err := empty(x.Device(), x.Shape.Clone())
	if err != nil {
		return nil, err
	}
	if err := be.Elu(out.Storage, xc.Storage, out.NumElements(), alpha); err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		in := xc.Detach()
		tensor.NewNode("EluBackward", []*tensor.Tensor{x}, []*tensor.Tensor{out}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
			gx, err := empty(x.Device(), x.Shape.Clone())
			if err != nil {
				return nil, err
			}
			if err := be.EluBackward(gx.Storage, g[0].Storage, in.Storage, gx.NumElements(), alpha); err != nil {
				return nil, err
			}
			return []*tensor.Tensor{gx}, nil
		})
	}
	return out, nil
}
