package tensor

import (
	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
)

// BackwardFunc maps the gradients of a node's outputs to the gradients of its
// inputs. Missing output gradients are materialized as zeros before the call;
// a nil entry in the result means "no gradient" for that input.
type BackwardFunc func(gradOutputs []*Tensor) ([]*Tensor, error)

// OutputMeta is what a node remembers about each output so zero gradients
// can be materialized without keeping the outputs alive.
type OutputMeta struct {
	Shape  core.Shape
	DType  core.DType
	Device backend.Device
}

// Node is one recorded operation in the autograd graph.
type Node struct {
	Name     string
	Inputs   []*Tensor
	Outputs  []OutputMeta
	Backward BackwardFunc
}

// NewNode records an operation producing outputs from inputs and links every
// output to it. Outputs passed as nil are treated as non-differentiable.
func NewNode(name string, inputs []*Tensor, outputs []*Tensor, backward BackwardFunc) *Node {
	n := &Node{Name: name, Inputs: inputs, Backward: backward, Outputs: make([]OutputMeta, len(outputs))}
	for i, out := range outputs {
		if out == nil {
			continue
		}
		n.Outputs[i] = OutputMeta{Shape: out.Shape.Clone(), DType: out.DType, Device: out.Device()}
		out.GradFn = n
		out.OutputIndex = i
		out.RequiresGrad = true
	}
	return n
}

// AnyRequiresGrad reports whether any of ts participates in autograd.
func AnyRequiresGrad(ts ...*Tensor) bool {
	for _, t := range ts {
		if t != nil && t.RequiresGrad {
			return true
		}
	}
	return false
}
