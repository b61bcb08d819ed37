package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
)

func fromFloats(v ...float64) backend.Storage {
	s := Alloc(len(v) * elemSize)
	copy(floatSlice(s, len(v)), v)
	return s
}

func TestRegistered(t *testing.T) {
	be, err := backend.Get(backend.CPU)
	require.NoError(t, err)
	assert.Equal(t, "cpu", be.Name())
	assert.True(t, backend.Has(backend.CPU))
}

func TestMatMulTranspose(t *testing.T) {
	be := &cpuBackend{}
	// A [2,3], B stored [2,3] used as B^T [3,2]
	a := fromFloats(1, 2, 3, 4, 5, 6)
	b := fromFloats(1, 0, 1, 0, 1, 0)
	dst := Alloc(4 * elemSize)
	require.NoError(t, be.MatMul(dst, a, b, 2, 2, 3, false, true))
	assert.Equal(t, []float64{4, 2, 10, 5}, floatSlice(dst, 4))

	// A^T @ A with A stored [2,3] -> [3,3]
	dst = Alloc(9 * elemSize)
	require.NoError(t, be.MatMul(dst, a, a, 3, 3, 2, true, false))
	assert.Equal(t, []float64{17, 22, 27, 22, 29, 36, 27, 36, 45}, floatSlice(dst, 9))
}

func TestAddBroadcastRow(t *testing.T) {
	be := &cpuBackend{}
	a := fromFloats(1, 2, 3, 4, 5, 6)
	bias := fromFloats(10, 20, 30)
	dst := Alloc(6 * elemSize)
	aShape, bShape := core.Shape{2, 3}, core.Shape{1, 3}
	require.NoError(t, be.Add(dst, a, bias, aShape, bShape,
		core.ContiguousStrides(aShape, elemSize), core.ContiguousStrides(bShape, elemSize), aShape))
	assert.Equal(t, []float64{11, 22, 33, 14, 25, 36}, floatSlice(dst, 6))
}

func TestSumAxis(t *testing.T) {
	be := &cpuBackend{}
	src := fromFloats(1, 2, 3, 4, 5, 6)
	shape := core.Shape{2, 3}
	strides := core.ContiguousStrides(shape, elemSize)

	cols := Alloc(3 * elemSize)
	require.NoError(t, be.Sum(cols, src, shape, strides, 0, true))
	assert.Equal(t, []float64{5, 7, 9}, floatSlice(cols, 3))

	rows := Alloc(2 * elemSize)
	require.NoError(t, be.Sum(rows, src, shape, strides, 1, false))
	assert.Equal(t, []float64{6, 15}, floatSlice(rows, 2))

	all := Alloc(elemSize)
	require.NoError(t, be.Sum(all, src, shape, strides, -1, false))
	assert.Equal(t, 21.0, floatSlice(all, 1)[0])
}

func TestContiguousTransposedView(t *testing.T) {
	be := &cpuBackend{}
	src := fromFloats(1, 2, 3, 4, 5, 6) // [2,3]
	dst := Alloc(6 * elemSize)
	require.NoError(t, be.Contiguous(dst, src, core.Shape{3, 2}, core.Strides{elemSize, 3 * elemSize}))
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, floatSlice(dst, 6))
}

func TestEluDerivative(t *testing.T) {
	assert.Equal(t, 1.0, dElu(0.5, 1))
	assert.InDelta(t, math.Exp(-0.5), dElu(-0.5, 1), 1e-15)
	assert.Equal(t, 0.0, dElu(0, 1))
}

// With zero weights and bias every gate sees a zero pre-activation.
func TestLLTMForwardZeroWeights(t *testing.T) {
	be := &cpuBackend{}
	d := backend.LLTMDims{Batch: 1, Features: 2, State: 1}
	in := backend.LLTMForwardInputs{
		Input:   fromFloats(1, 2),
		Weights: fromFloats(0, 0, 0, 0, 0, 0, 0, 0, 0),
		Bias:    fromFloats(0, 0, 0),
		OldH:    fromFloats(3),
		OldCell: fromFloats(0.5),
	}
	out := backend.LLTMForwardOutputs{
		NewH: Alloc(elemSize), NewCell: Alloc(elemSize),
		InputGate: Alloc(elemSize), OutputGate: Alloc(elemSize), CandidateCell: Alloc(elemSize),
		X: Alloc(3 * elemSize), GateWeights: Alloc(3 * elemSize),
	}
	require.NoError(t, be.LLTMForward(out, in, d))
	assert.Equal(t, []float64{3, 1, 2}, floatSlice(out.X, 3))
	assert.Equal(t, 0.5, floatSlice(out.InputGate, 1)[0])
	assert.Equal(t, 0.0, floatSlice(out.CandidateCell, 1)[0])
	assert.Equal(t, 0.5, floatSlice(out.NewCell, 1)[0])
	assert.InDelta(t, math.Tanh(0.5)*0.5, floatSlice(out.NewH, 1)[0], 1e-15)
}
