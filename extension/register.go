package extension

import (
	"fmt"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/library"
	"github.com/forgi86/extension-cpp/tensor"
)

// Namespace is the operator namespace the LLTM ops are registered under.
const Namespace = "extension_cpp"

const (
	forwardSchema  = Namespace + "::lltm_forward(Tensor input, Tensor weights, Tensor bias, Tensor old_h, Tensor old_cell) -> (Tensor, Tensor, Tensor, Tensor, Tensor, Tensor, Tensor)"
	backwardSchema = Namespace + "::lltm_backward(Tensor grad_h, Tensor grad_cell, Tensor new_cell, Tensor input_gate, Tensor output_gate, Tensor candidate_cell, Tensor X, Tensor gate_weights, Tensor weights) -> (Tensor, Tensor, Tensor, Tensor, Tensor)"
)

// Device types the kernels are registered for. Both go through the backend
// registered for the device, so CUDA dispatch works once a CUDA backend is
// linked in.
var kernelDevices = []backend.DeviceType{backend.CPU, backend.CUDA}

var (
	// ForwardOp is extension_cpp::lltm_forward.default.
	ForwardOp *library.OpOverload
	// BackwardOp is extension_cpp::lltm_backward.default.
	BackwardOp *library.OpOverload
)

func init() {
	ForwardOp = library.MustDefine(forwardSchema)
	BackwardOp = library.MustDefine(backwardSchema)
	for _, dt := range kernelDevices {
		must(ForwardOp.Impl(dt, forwardKernel))
		must(BackwardOp.Impl(dt, backwardKernel))
	}
	must(ForwardOp.RegisterFake(forwardFake))
	must(BackwardOp.RegisterFake(backwardFake))
	must(ForwardOp.RegisterAutograd(lltmBackward, setupContext))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func expect(name string, t *tensor.Tensor, shape ...int) error {
	if t.DType != core.Float64 {
		return fmt.Errorf("%s: expected dtype float64, got %s", name, t.DType)
	}
	if !t.Shape.Equal(shape) {
		return fmt.Errorf("%s: expected shape %v, got %v", name, core.Shape(shape), t.Shape)
	}
	return nil
}

// forwardDims derives and validates the cell sizes from the forward inputs.
func forwardDims(args []*tensor.Tensor) (backend.LLTMDims, error) {
	input, weights := args[0], args[1]
	if len(input.Shape) != 2 || len(weights.Shape) != 2 {
		return backend.LLTMDims{}, fmt.Errorf("lltm_forward: input and weights must be 2D, got %v and %v", input.Shape, weights.Shape)
	}
	if weights.Shape[0]%3 != 0 {
		return backend.LLTMDims{}, fmt.Errorf("lltm_forward: weights rows (%d) must be a multiple of 3", weights.Shape[0])
	}
	d := backend.LLTMDims{Batch: input.Shape[0], Features: input.Shape[1], State: weights.Shape[0] / 3}
	B, F, S := d.Batch, d.Features, d.State
	for i, want := range [][]int{{B, F}, {3 * S, S + F}, {1, 3 * S}, {B, S}, {B, S}} {
		if err := expect(ForwardOp.Schema().Arguments[i].Name, args[i], want...); err != nil {
			return d, fmt.Errorf("lltm_forward: %w", err)
		}
	}
	return d, nil
}

// backwardDims derives and validates the cell sizes from X and weights.
func backwardDims(args []*tensor.Tensor) (backend.LLTMDims, error) {
	x, weights := args[6], args[8]
	if len(x.Shape) != 2 || len(weights.Shape) != 2 || weights.Shape[0]%3 != 0 {
		return backend.LLTMDims{}, fmt.Errorf("lltm_backward: invalid X %v or weights %v", x.Shape, weights.Shape)
	}
	S := weights.Shape[0] / 3
	d := backend.LLTMDims{Batch: x.Shape[0], Features: x.Shape[1] - S, State: S}
	B, F := d.Batch, d.Features
	if F < 0 {
		return d, fmt.Errorf("lltm_backward: X has %d columns, fewer than state size %d", x.Shape[1], S)
	}
	want := [][]int{{B, S}, {B, S}, {B, S}, {B, S}, {B, S}, {B, S}, {B, S + F}, {B, 3 * S}, {3 * S, S + F}}
	for i, w := range want {
		if err := expect(BackwardOp.Schema().Arguments[i].Name, args[i], w...); err != nil {
			return d, fmt.Errorf("lltm_backward: %w", err)
		}
	}
	return d, nil
}

func contiguousAll(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(args))
	for i, a := range args {
		if a.Contiguous() {
			out[i] = a
			continue
		}
		c, err := a.Clone()
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func emptyAll(dev backend.Device, shapes [][]int) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		t, err := tensor.Empty(dev, core.Float64, s...)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func fakeAll(dev backend.Device, shapes [][]int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		out[i] = tensor.EmptyFake(dev, core.Float64, s...)
	}
	return out
}

func forwardShapes(d backend.LLTMDims) [][]int {
	B, F, S := d.Batch, d.Features, d.State
	return [][]int{{B, S}, {B, S}, {B, S}, {B, S}, {B, S}, {B, S + F}, {B, 3 * S}}
}

func backwardShapes(d backend.LLTMDims) [][]int {
	B, F, S := d.Batch, d.Features, d.State
	return [][]int{{B, S}, {B, F}, {3 * S, S + F}, {1, 3 * S}, {B, S}}
}

func forwardKernel(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	d, err := forwardDims(args)
	if err != nil {
		return nil, err
	}
	dev := args[0].Device()
	be, err := backend.GetForDevice(dev)
	if err != nil {
		return nil, err
	}
	in, err := contiguousAll(args)
	if err != nil {
		return nil, err
	}
	out, err := emptyAll(dev, forwardShapes(d))
	if err != nil {
		return nil, err
	}
	err = be.LLTMForward(backend.LLTMForwardOutputs{
		NewH: out[0].Storage, NewCell: out[1].Storage,
		InputGate: out[2].Storage, OutputGate: out[3].Storage, CandidateCell: out[4].Storage,
		X: out[5].Storage, GateWeights: out[6].Storage,
	}, backend.LLTMForwardInputs{
		Input: in[0].Storage, Weights: in[1].Storage, Bias: in[2].Storage,
		OldH: in[3].Storage, OldCell: in[4].Storage,
	}, d)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func forwardFake(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	d, err := forwardDims(args)
	if err != nil {
		return nil, err
	}
	return fakeAll(args[0].Device(), forwardShapes(d)), nil
}

func backwardKernel(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	d, err := backwardDims(args)
	if err != nil {
		return nil, err
	}
	dev := args[0].Device()
	be, err := backend.GetForDevice(dev)
	if err != nil {
		return nil, err
	}
	in, err := contiguousAll(args)
	if err != nil {
		return nil, err
	}
	out, err := emptyAll(dev, backwardShapes(d))
	if err != nil {
		return nil, err
	}
	err = be.LLTMBackward(backend.LLTMBackwardOutputs{
		DOldH: out[0].Storage, DInput: out[1].Storage, DWeights: out[2].Storage,
		DBias: out[3].Storage, DOldCell: out[4].Storage,
	}, backend.LLTMBackwardInputs{
		GradH: in[0].Storage, GradCell: in[1].Storage,
		NewCell: in[2].Storage, InputGate: in[3].Storage, OutputGate: in[4].Storage,
		CandidateCell: in[5].Storage, X: in[6].Storage, GateWeights: in[7].Storage,
		Weights: in[8].Storage,
	}, d)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func backwardFake(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	d, err := backwardDims(args)
	if err != nil {
		return nil, err
	}
	return fakeAll(args[0].Device(), backwardShapes(d)), nil
}

// setupContext saves new_cell, the gates, X, gate_weights and weights, and
// marks everything past new_cell as non-differentiable.
func setupContext(ctx *library.Context, inputs, outputs []*tensor.Tensor) error {
	saved := append(append([]*tensor.Tensor(nil), outputs[1:]...), inputs[1])
	ctx.SaveForBackward(saved...)
	ctx.MarkNonDifferentiable(outputs[2:]...)
	return nil
}

func lltmBackward(ctx *library.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
	args := append([]*tensor.Tensor{grads[0], grads[1]}, ctx.SavedTensors()...)
	out, err := BackwardOp.Call(args...)
	if err != nil {
		return nil, err
	}
	dOldH, dInput, dWeights, dBias, dOldCell := out[0], out[1], out[2], out[3], out[4]
	return []*tensor.Tensor{dInput, dWeights, dBias, dOldH, dOldCell}, nil
}

func errArity(n int) error {
	return fmt.Errorf("lltm: expected 5 inputs (input, weights, bias, old_h, old_cell), got %d", n)
}
