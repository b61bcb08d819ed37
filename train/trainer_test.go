package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	_ "github.com/forgi86/extension-cpp/backend/cpu"
	"github.com/forgi86/extension-cpp/nn"
	"github.com/forgi86/extension-cpp/optim"
	"github.com/forgi86/extension-cpp/tensor"
)

func TestTrainerReducesLoss(t *testing.T) {
	rng := tensor.NewRand(5)
	cell, err := nn.NewLLTM(rng, backend.CPU0, 4, 6)
	require.NoError(t, err)
	head, err := nn.NewLinear(rng, backend.CPU0, 6, 2)
	require.NoError(t, err)
	opt, err := optim.NewAdamW(nn.Parameters(cell, head), optim.AdamWConfig{LR: 0.02})
	require.NoError(t, err)
	tr := NewTrainer(cell, head, opt)

	var steps []*tensor.Tensor
	for i := 0; i < 3; i++ {
		x, err := tensor.Randn(rng, backend.CPU0, false, 4, 4)
		require.NoError(t, err)
		steps = append(steps, x)
	}
	target := tensor.MustFromFloat64([]float64{0.5, -0.5, 0.2, 0.1, -0.3, 0.4, 0.0, 0.25}, 4, 2)

	first, err := tr.Step(steps, target)
	require.NoError(t, err)
	last := first
	for i := 0; i < 100; i++ {
		last, err = tr.Step(steps, target)
		require.NoError(t, err)
	}
	assert.Less(t, last, first/2)

	for _, p := range nn.Parameters(cell, head) {
		require.NotNil(t, p.Grad)
		assert.Equal(t, p.Shape, p.Grad.Shape)
	}
}

func TestTrainerErrors(t *testing.T) {
	rng := tensor.NewRand(1)
	cell, err := nn.NewLLTM(rng, backend.CPU0, 2, 2)
	require.NoError(t, err)
	head, err := nn.NewLinear(rng, backend.CPU0, 2, 1)
	require.NoError(t, err)
	tr := NewTrainer(cell, head, nil)
	_, err = tr.Forward(nil)
	assert.Error(t, err)

	x := tensor.MustFromFloat64([]float64{1, 2, 3}, 1, 3)
	_, err = tr.Forward([]*tensor.Tensor{x})
	assert.ErrorContains(t, err, "shape")
}
