package autograd

import (
	"errors"
	"fmt"

	"github.com/forgi86/extension-cpp/tensor"
)

// Backward computes gradients of roots with respect to every leaf tensor that
// requires grad and accumulates them into the leaves' Grad fields. grads holds
// one incoming gradient per root; a nil entry for a one-element root means 1.
func Backward(roots []*tensor.Tensor, grads []*tensor.Tensor) error {
	_, err := run(roots, grads, nil, true)
	return err
}

// Grad returns the gradients of outputs with respect to inputs without
// touching any Grad field. Inputs the outputs do not depend on get nil.
func Grad(outputs, inputs, gradOutputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	captured, err := run(outputs, gradOutputs, inputs, false)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		out[i] = captured[in]
	}
	return out, nil
}

// ErrNoGraph is returned when none of the roots requires grad.
var ErrNoGraph = errors.New("element 0 of tensors does not require grad and does not have a grad_fn")

// run drives the reverse pass. Nodes are processed in topological order:
// a node runs only after every consumer that feeds it a gradient has run.
func run(roots, grads, targets []*tensor.Tensor, accumulate bool) (map[*tensor.Tensor]*tensor.Tensor, error) {
	if len(grads) != len(roots) {
		return nil, fmt.Errorf("got %d gradients for %d roots", len(grads), len(roots))
	}
	captured := make(map[*tensor.Tensor]*tensor.Tensor)
	want := make(map[*tensor.Tensor]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	pending := make(map[*tensor.Node][]*tensor.Tensor)
	deliver := func(t, g *tensor.Tensor) error {
		if g == nil {
			return nil
		}
		if !g.Shape.Equal(t.Shape) {
			return fmt.Errorf("gradient of shape %v delivered to tensor of shape %v", g.Shape, t.Shape)
		}
		if want[t] {
			if err := accumulateInto(captured, t, g); err != nil {
				return err
			}
		}
		if t.GradFn != nil {
			slot := pending[t.GradFn]
			if slot == nil {
				slot = make([]*tensor.Tensor, len(t.GradFn.Outputs))
				pending[t.GradFn] = slot
			}
			if slot[t.OutputIndex] == nil {
				c, err := g.Clone()
				if err != nil {
					return err
				}
				slot[t.OutputIndex] = c
				return nil
			}
			return addInto(slot[t.OutputIndex], g)
		}
		if accumulate && t.RequiresGrad {
			return AccumulateGrad(t, g)
		}
		return nil
	}

	anyGraph := false
	for i, r := range roots {
		if !r.RequiresGrad {
			continue
		}
		anyGraph = true
		g := grads[i]
		if g == nil {
			if r.NumElements() != 1 {
				return nil, errors.New("grad can be implicitly created only for scalar outputs")
			}
			var err error
			if g, err = tensor.Full(r.Device(), 1, r.Shape...); err != nil {
				return nil, err
			}
		}
		if err := deliver(r, g); err != nil {
			return nil, err
		}
	}
	if !anyGraph {
		return nil, ErrNoGraph
	}

	order := topoOrder(roots)
	for _, n := range order {
		gradOuts := pending[n]
		delete(pending, n)
		if gradOuts == nil {
			continue
		}
		for i, g := range gradOuts {
			meta := n.Outputs[i]
			if g != nil || meta.Shape == nil {
				continue
			}
			z, err := tensor.Zeros(meta.Device, meta.Shape...)
			if err != nil {
				return nil, err
			}
			gradOuts[i] = z
		}
		inGrads, err := n.Backward(gradOuts)
		if err != nil {
			return nil, fmt.Errorf("%s backward: %w", n.Name, err)
		}
		if len(inGrads) != len(n.Inputs) {
			return nil, fmt.Errorf("function %s returned an incorrect number of gradients (expected %d, got %d)", n.Name, len(n.Inputs), len(inGrads))
		}
		for j, in := range n.Inputs {
			if in == nil || inGrads[j] == nil || !in.RequiresGrad {
				continue
			}
			if !inGrads[j].Shape.Equal(in.Shape) {
				return nil, fmt.Errorf("function %s returned an invalid gradient at index %d - got %v but expected shape compatible with %v", n.Name, j, inGrads[j].Shape, in.Shape)
			}
			if err := deliver(in, inGrads[j]); err != nil {
				return nil, err
			}
		}
	}
	return captured, nil
}

func accumulateInto(m map[*tensor.Tensor]*tensor.Tensor, t, g *tensor.Tensor) error {
	if prev, ok := m[t]; ok {
		return addInto(prev, g)
	}
	c, err := g.Clone()
	if err != nil {
		return err
	}
	m[t] = c
	return nil
}

// topoOrder lists every node reachable from roots so that each node comes
// after all nodes that consume its outputs.
func topoOrder(roots []*tensor.Tensor) []*tensor.Node {
	var post []*tensor.Node
	seen := make(map[*tensor.Node]bool)
	var visit func(n *tensor.Node)
	visit = func(n *tensor.Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		for _, in := range n.Inputs {
			if in != nil {
				visit(in.GradFn)
			}
		}
		post = append(post, n)
	}
	for _, r := range roots {
		visit(r.GradFn)
	}
	// post-order puts producers first; reverse it.
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
