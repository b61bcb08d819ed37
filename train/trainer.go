package train

import (
	"errors"

	"github.com/forgi86/extension-cpp/autograd"
	"github.com/forgi86/extension-cpp/nn"
	"github.com/forgi86/extension-cpp/tensor"
)

// Trainer fits an LLTM cell plus a linear readout to sequence targets:
// unroll the cell, read out the last hidden state, MSE loss, backward, step.
type Trainer struct {
	Cell      *nn.LLTM
	Head      *nn.Linear
	Optimizer nn.Optimizer
}

// NewTrainer creates a trainer.
func NewTrainer(cell *nn.LLTM, head *nn.Linear, opt nn.Optimizer) *Trainer {
	return &Trainer{Cell: cell, Head: head, Optimizer: opt}
}

// Forward unrolls the cell over steps (each [batch, features]) and returns
// the readout of the final hidden state.
func (t *Trainer) Forward(steps []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(steps) == 0 {
		return nil, errors.New("train: empty sequence")
	}
	h, c, err := t.Cell.InitState(steps[0].Shape[0])
	if err != nil {
		return nil, err
	}
	for _, x := range steps {
		if h, c, err = t.Cell.Forward(x, h, c); err != nil {
			return nil, err
		}
	}
	return t.Head.Forward(h)
}

// Step runs one optimisation step and returns the loss before the update.
func (t *Trainer) Step(steps []*tensor.Tensor, target *tensor.Tensor) (loss float64, err error) {
	pred, err := t.Forward(steps)
	if err != nil {
		return 0, err
	}
	lossTensor, err := nn.MSELoss(pred, target)
	if err != nil {
		return 0, err
	}
	loss = lossTensor.Float64()[0]
	if err := t.Optimizer.ZeroGrad(); err != nil {
		return 0, err
	}
	if err := autograd.Backward([]*tensor.Tensor{lossTensor}, []*tensor.Tensor{nil}); err != nil {
		return 0, err
	}
	if err := t.Optimizer.Step(); err != nil {
		return 0, err
	}
	return loss, nil
}
