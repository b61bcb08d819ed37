// Package extension provides the LLTM cell as a registered custom operator
// (extension_cpp::lltm_forward / lltm_backward) and a reference
// implementation composed of differentiable primitives.
//
// The cell computes, with X = [old_h, input]:
//
//	gates          = X @ W^T + b
//	input_gate     = sigmoid(gates[:, :S])
//	output_gate    = sigmoid(gates[:, S:2S])
//	candidate_cell = elu(gates[:, 2S:])
//	new_cell       = old_cell + candidate_cell * input_gate
//	new_h          = tanh(new_cell) * output_gate
package extension

import (
	"github.com/forgi86/extension-cpp/ops"
	"github.com/forgi86/extension-cpp/tensor"
)

// Lltm runs the custom operator and returns (new_h, new_cell).
func Lltm(input, weights, bias, oldH, oldCell *tensor.Tensor) (newH, newCell *tensor.Tensor, err error) {
	out, err := ForwardOp.Call(input, weights, bias, oldH, oldCell)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// ReferenceLltm computes the same cell from ops primitives.
func ReferenceLltm(input, weights, bias, oldH, oldCell *tensor.Tensor) (newH, newCell *tensor.Tensor, err error) {
	x, err := ops.Cat([]*tensor.Tensor{oldH, input}, 1)
	if err != nil {
		return nil, nil, err
	}
	gateWeights, err := ops.Linear(x, weights, bias)
	if err != nil {
		return nil, nil, err
	}
	gates, err := ops.Chunk(gateWeights, 3, 1)
	if err != nil {
		return nil, nil, err
	}
	inputGate, err := ops.Sigmoid(gates[0])
	if err != nil {
		return nil, nil, err
	}
	outputGate, err := ops.Sigmoid(gates[1])
	if err != nil {
		return nil, nil, err
	}
	candidateCell, err := ops.Elu(gates[2], 1)
	if err != nil {
		return nil, nil, err
	}
	update, err := ops.Mul(candidateCell, inputGate)
	if err != nil {
		return nil, nil, err
	}
	newCell, err = ops.Add(oldCell, update)
	if err != nil {
		return nil, nil, err
	}
	t, err := ops.Tanh(newCell)
	if err != nil {
		return nil, nil, err
	}
	newH, err = ops.Mul(t, outputGate)
	if err != nil {
		return nil, nil, err
	}
	return newH, newCell, nil
}

// Func adapts an LLTM implementation to the slice form the checkers take.
func Func(f func(input, weights, bias, oldH, oldCell *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)) func([]*tensor.Tensor) ([]*tensor.Tensor, error) {
	return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if len(args) != 5 {
			return nil, errArity(len(args))
		}
		h, c, err := f(args[0], args[1], args[2], args[3], args[4])
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{h, c}, nil
	}
}
