package opcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	_ "github.com/forgi86/extension-cpp/backend/cpu"
	"github.com/forgi86/extension-cpp/extension"
	"github.com/forgi86/extension-cpp/library"
	"github.com/forgi86/extension-cpp/tensor"
)

func lltmArgs(t *testing.T, requiresGrad bool) []*tensor.Tensor {
	t.Helper()
	rng := tensor.NewRand(11)
	shapes := [][]int{{3, 17}, {15, 22}, {1, 15}, {3, 5}, {3, 5}}
	out := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		x, err := tensor.Randn(rng, backend.CPU0, requiresGrad, s...)
		require.NoError(t, err)
		out[i] = x
	}
	return out
}

func TestLltmForwardPasses(t *testing.T) {
	r, err := Check(extension.ForwardOp, lltmArgs(t, false))
	require.NoError(t, err)
	assert.Equal(t, "extension_cpp::lltm_forward.default", r.Op)
	assert.Equal(t, map[string]string{
		TestSchema:               StatusSuccess,
		TestAutogradRegistration: StatusSkipped,
		TestFakeTensor:           StatusSuccess,
	}, r.Map())

	r, err = Check(extension.ForwardOp, lltmArgs(t, true))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, r.Map()[TestAutogradRegistration])
}

func TestCheckLeavesInputsAlone(t *testing.T) {
	args := lltmArgs(t, true)
	_, err := Check(extension.ForwardOp, args)
	require.NoError(t, err)
	for _, a := range args {
		assert.Nil(t, a.Grad)
		assert.Nil(t, a.GradFn)
	}
}

// identity kernels misbehaving in various ways.
func defineOp(t *testing.T, r *library.Registry, schema string, k library.Kernel) *library.OpOverload {
	t.Helper()
	op, err := r.Define(schema)
	require.NoError(t, err)
	require.NoError(t, op.Impl(backend.CPU, k))
	return op
}

func passthroughFake(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	x := args[0]
	return []*tensor.Tensor{tensor.EmptyFake(x.Device(), x.DType, x.Shape...)}, nil
}

func TestSchemaViolations(t *testing.T) {
	r := library.NewRegistry()
	x := tensor.MustFromFloat64([]float64{1, 2}, 2)

	mutating := defineOp(t, r, "test::scale(Tensor x) -> Tensor", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		args[0].Float64()[0] = 10
		return []*tensor.Tensor{tensor.MustFromFloat64([]float64{0, 0}, 2)}, nil
	})
	_, err := Check(mutating, []*tensor.Tensor{x}, WithTests(TestSchema))
	assert.ErrorContains(t, err, "argument x is not defined as mutable but was mutated")
	assert.Equal(t, []float64{1, 2}, x.Float64())

	declared := defineOp(t, r, "test::scale_(Tensor(a!) x) -> Tensor", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		args[0].Float64()[0] = 10
		return []*tensor.Tensor{tensor.MustFromFloat64([]float64{0, 0}, 2)}, nil
	})
	_, err = Check(declared, []*tensor.Tensor{x}, WithTests(TestSchema))
	assert.NoError(t, err)

	aliasing := defineOp(t, r, "test::view(Tensor x) -> Tensor", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return []*tensor.Tensor{args[0]}, nil
	})
	_, err = Check(aliasing, []*tensor.Tensor{x}, WithTests(TestSchema))
	assert.ErrorContains(t, err, "is not defined to alias output 0")

	view := defineOp(t, r, "test::alias(Tensor(a) x) -> Tensor(a)", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return []*tensor.Tensor{args[0]}, nil
	})
	_, err = Check(view, []*tensor.Tensor{x}, WithTests(TestSchema))
	assert.NoError(t, err)
}

func TestAutogradRegistrationMissing(t *testing.T) {
	r := library.NewRegistry()
	op := defineOp(t, r, "test::copy(Tensor x) -> Tensor", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		c, err := args[0].Clone()
		return []*tensor.Tensor{c}, err
	})
	x := tensor.MustFromFloat64([]float64{1, 2}, 2)
	rep, err := Check(op, []*tensor.Tensor{x}, WithTests(TestAutogradRegistration))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, rep.Map()[TestAutogradRegistration])

	x.RequiresGrad = true
	rep, err = Check(op, []*tensor.Tensor{x}, WithTests(TestAutogradRegistration))
	assert.ErrorContains(t, err, "does not have autograd support registered")
	assert.ErrorContains(t, err, "test::copy.default failed with test_autograd_registration")
	require.Len(t, rep.Outcomes, 1)
	assert.Error(t, rep.Outcomes[0].Err)
}

func TestFakeTensorChecks(t *testing.T) {
	r := library.NewRegistry()
	x := tensor.MustFromFloat64([]float64{1, 2, 3, 4}, 2, 2)
	copyKernel := func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		c, err := args[0].Clone()
		return []*tensor.Tensor{c}, err
	}

	noFake := defineOp(t, r, "test::nofake(Tensor x) -> Tensor", copyKernel)
	_, err := Check(noFake, []*tensor.Tensor{x}, WithTests(TestFakeTensor))
	assert.ErrorIs(t, err, library.ErrNoKernel)

	good := defineOp(t, r, "test::good(Tensor x) -> Tensor", copyKernel)
	require.NoError(t, good.RegisterFake(passthroughFake))
	_, err = Check(good, []*tensor.Tensor{x}, WithTests(TestFakeTensor))
	assert.NoError(t, err)

	badShape := defineOp(t, r, "test::badshape(Tensor x) -> Tensor", copyKernel)
	require.NoError(t, badShape.RegisterFake(func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return []*tensor.Tensor{tensor.EmptyFake(args[0].Device(), args[0].DType, 4)}, nil
	}))
	_, err = Check(badShape, []*tensor.Tensor{x}, WithTests(TestFakeTensor))
	assert.ErrorContains(t, err, "fake shape [4] does not match real shape [2 2]")

	transposed := defineOp(t, r, "test::t(Tensor x) -> Tensor", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		c, err := args[0].Clone()
		if err != nil {
			return nil, err
		}
		v, err := c.Transpose()
		return []*tensor.Tensor{v}, err
	})
	require.NoError(t, transposed.RegisterFake(passthroughFake))
	_, err = Check(transposed, []*tensor.Tensor{x}, WithTests(TestFakeTensor))
	assert.ErrorContains(t, err, "strides")
}

func TestUnknownTest(t *testing.T) {
	_, err := Check(extension.ForwardOp, lltmArgs(t, false), WithTests("test_aot_dispatch_dynamic"))
	assert.ErrorContains(t, err, "unknown test")
}
