package gradcheck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	_ "github.com/forgi86/extension-cpp/backend/cpu"
	"github.com/forgi86/extension-cpp/extension"
	"github.com/forgi86/extension-cpp/ops"
	"github.com/forgi86/extension-cpp/tensor"
)

func leaf(data []float64, shape ...int) *tensor.Tensor {
	t := tensor.MustFromFloat64(data, shape...)
	t.RequiresGrad = true
	return t
}

// square records x*x with a caller-supplied backward.
func square(backward func(x, g []float64) []float64) Func {
	return func(in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		x := in[0]
		xv, err := x.Values()
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(xv))
		for i, v := range xv {
			out[i] = v * v
		}
		y := tensor.MustFromFloat64(out, x.Shape...)
		if x.RequiresGrad {
			tensor.NewNode("Square", []*tensor.Tensor{x}, []*tensor.Tensor{y}, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
				return []*tensor.Tensor{tensor.MustFromFloat64(backward(xv, g[0].Float64()), x.Shape...)}, nil
			})
		}
		return []*tensor.Tensor{y}, nil
	}
}

func TestCheckPassesForPrimitives(t *testing.T) {
	fn := func(in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		y, err := ops.Linear(in[0], in[1], in[2])
		if err != nil {
			return nil, err
		}
		s, err := ops.Tanh(y)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{s, y}, nil
	}
	x := leaf([]float64{0.1, -0.2, 0.3, 0.4}, 2, 2)
	w := leaf([]float64{0.5, -0.6, 0.7, 0.8, -0.9, 1.0}, 3, 2)
	b := tensor.MustFromFloat64([]float64{0.1, 0.2, 0.3}, 1, 3)
	assert.NoError(t, Check(fn, []*tensor.Tensor{x, w, b}, DefaultOptions()))
}

func TestCheckReportsMismatch(t *testing.T) {
	wrong := square(func(x, g []float64) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			out[i] = x[i] * g[i]
		}
		return out
	})
	err := Check(wrong, []*tensor.Tensor{leaf([]float64{1, 2}, 2)}, DefaultOptions())
	var mm *MismatchError
	require.True(t, errors.As(err, &mm), "got %v", err)
	assert.Equal(t, 0, mm.Output)
	assert.Equal(t, 0, mm.Input)
	assert.InDelta(t, 2.0, mm.Numerical[0][0], 1e-6)
	assert.InDelta(t, 1.0, mm.Analytical[0][0], 1e-12)
	assert.Contains(t, err.Error(), "Jacobian mismatch for output 0 with respect to input 0")
}

func TestCheckDetectsNonReentrantBackward(t *testing.T) {
	calls := 0
	flaky := square(func(x, g []float64) []float64 {
		calls++
		out := make([]float64, len(x))
		for i := range x {
			out[i] = 2 * x[i] * g[i]
			if calls > 2 {
				out[i] += 1e-9 * g[i]
			}
		}
		return out
	})
	err := Check(flaky, []*tensor.Tensor{leaf([]float64{1, 2}, 2)}, DefaultOptions())
	assert.ErrorContains(t, err, "not reentrant")
}

func TestCheckUndefinedGrad(t *testing.T) {
	leaky := square(func(x, g []float64) []float64 {
		zero := true
		for _, v := range g {
			zero = zero && v == 0
		}
		out := make([]float64, len(x))
		for i := range x {
			out[i] = 2 * x[i] * g[i]
			if zero {
				out[i] = 1
			}
		}
		return out
	})
	in := []*tensor.Tensor{leaf([]float64{1, 2}, 2)}
	assert.ErrorContains(t, Check(leaky, in, DefaultOptions()), "undefined output grads")
	assert.NoError(t, Check(leaky, in, Options{SkipUndefinedGrad: true}))
}

func TestCheckRequiresGradInputs(t *testing.T) {
	x := tensor.MustFromFloat64([]float64{1}, 1)
	err := Check(square(nil), []*tensor.Tensor{x}, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoGradInputs)
}

func TestCheckReferenceLltm(t *testing.T) {
	rng := tensor.NewRand(7)
	shapes := [][]int{{2, 3}, {6, 5}, {1, 6}, {2, 2}, {2, 2}}
	in := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		x, err := tensor.Randn(rng, backend.CPU0, true, s...)
		require.NoError(t, err)
		in[i] = x
	}
	assert.NoError(t, Check(extension.Func(extension.ReferenceLltm), in, DefaultOptions()))
	assert.NoError(t, Check(extension.Func(extension.Lltm), in, DefaultOptions()))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{Atol: 1e-3}.withDefaults()
	assert.Equal(t, 1e-6, o.Eps)
	assert.Equal(t, 1e-3, o.Atol)
	assert.Equal(t, 1e-3, o.Rtol)
}
