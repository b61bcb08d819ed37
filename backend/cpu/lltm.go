package cpu

import (
	"math"

	"github.com/forgi86/extension-cpp/backend"
)

// LLTMForward runs the fused cell forward pass. The gate pre-activations are
// laid out [input | output | candidate] along the last axis of GateWeights.
func (cb *cpuBackend) LLTMForward(out backend.LLTMForwardOutputs, in backend.LLTMForwardInputs, d backend.LLTMDims) error {
	B, F, S := d.Batch, d.Features, d.State
	xw, gw := S+F, 3*S

	// X = cat([old_h, input], 1)
	if err := cb.CopyColumns(out.X, in.OldH, B, xw, 0, S, 0, S); err != nil {
		return err
	}
	if err := cb.CopyColumns(out.X, in.Input, B, xw, S, F, 0, F); err != nil {
		return err
	}

	// gate_weights = bias + X @ W^T
	gates := floatSlice(out.GateWeights, B*gw)
	bias := floatSlice(in.Bias, gw)
	for i := 0; i < B; i++ {
		copy(gates[i*gw:(i+1)*gw], bias)
	}
	gemm(out.GateWeights, out.X, in.Weights, B, gw, xw, false, true, 1, 1)

	oldCell := floatSlice(in.OldCell, B*S)
	newH := floatSlice(out.NewH, B*S)
	newCell := floatSlice(out.NewCell, B*S)
	inputGate := floatSlice(out.InputGate, B*S)
	outputGate := floatSlice(out.OutputGate, B*S)
	candidate := floatSlice(out.CandidateCell, B*S)
	for i := 0; i < B; i++ {
		row := gates[i*gw : (i+1)*gw]
		for j := 0; j < S; j++ {
			k := i*S + j
			inputGate[k] = sigmoid(row[j])
			outputGate[k] = sigmoid(row[S+j])
			candidate[k] = elu(row[2*S+j], 1)
			newCell[k] = oldCell[k] + candidate[k]*inputGate[k]
			newH[k] = math.Tanh(newCell[k]) * outputGate[k]
		}
	}
	return nil
}

// LLTMBackward runs the fused cell backward pass.
func (cb *cpuBackend) LLTMBackward(out backend.LLTMBackwardOutputs, in backend.LLTMBackwardInputs, d backend.LLTMDims) error {
	B, F, S := d.Batch, d.Features, d.State
	xw, gw := S+F, 3*S

	gradH := floatSlice(in.GradH, B*S)
	gradCell := floatSlice(in.GradCell, B*S)
	newCell := floatSlice(in.NewCell, B*S)
	inputGate := floatSlice(in.InputGate, B*S)
	outputGate := floatSlice(in.OutputGate, B*S)
	candidate := floatSlice(in.CandidateCell, B*S)
	gates := floatSlice(in.GateWeights, B*gw)
	dOldCell := floatSlice(out.DOldCell, B*S)

	dGatesS := Alloc(B * gw * elemSize)
	dGates := floatSlice(dGatesS, B*gw)
	for i := 0; i < B; i++ {
		row := gates[i*gw : (i+1)*gw]
		drow := dGates[i*gw : (i+1)*gw]
		for j := 0; j < S; j++ {
			k := i*S + j
			tanhCell := math.Tanh(newCell[k])
			dOutputGate := tanhCell * gradH[k]
			dTanhNewCell := outputGate[k] * gradH[k]
			dNewCell := (1-tanhCell*tanhCell)*dTanhNewCell + gradCell[k]
			dOldCell[k] = dNewCell

			si := sigmoid(row[j])
			so := sigmoid(row[S+j])
			drow[j] = candidate[k] * dNewCell * si * (1 - si)
			drow[S+j] = dOutputGate * so * (1 - so)
			drow[2*S+j] = inputGate[k] * dNewCell * dElu(row[2*S+j], 1)
		}
	}

	// d_weights = d_gates^T @ X
	gemm(out.DWeights, dGatesS, in.X, gw, xw, B, true, false, 1, 0)

	// d_bias = sum(d_gates, 0, keepdim)
	dBias := floatSlice(out.DBias, gw)
	for j := range dBias {
		dBias[j] = 0
	}
	for i := 0; i < B; i++ {
		for j := 0; j < gw; j++ {
			dBias[j] += dGates[i*gw+j]
		}
	}

	// d_X = d_gates @ W, split into [d_old_h | d_input]
	dX := Alloc(B * xw * elemSize)
	gemm(dX, dGatesS, in.Weights, B, xw, gw, false, false, 1, 0)
	if err := cb.CopyColumns(out.DOldH, dX, B, S, 0, xw, 0, S); err != nil {
		return err
	}
	return cb.CopyColumns(out.DInput, dX, B, F, 0, xw, S, F)
}
