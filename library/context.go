package library

import "github.com/forgi86/extension-cpp/tensor"

// Context carries state from an op's setup function to its backward formula.
type Context struct {
	saved          []*tensor.Tensor
	nonDiff        map[*tensor.Tensor]bool
	needsInputGrad []bool
}

// SaveForBackward stores tensors for use in the backward formula. Saved
// tensors are detached so they do not keep the forward graph alive.
func (c *Context) SaveForBackward(ts ...*tensor.Tensor) {
	c.saved = c.saved[:0]
	for _, t := range ts {
		if t == nil {
			c.saved = append(c.saved, nil)
			continue
		}
		c.saved = append(c.saved, t.Detach())
	}
}

// SavedTensors returns what SaveForBackward stored, in order.
func (c *Context) SavedTensors() []*tensor.Tensor {
	return c.saved
}

// MarkNonDifferentiable excludes outputs from the autograd graph. They will
// not require grad and their gradient is never requested.
func (c *Context) MarkNonDifferentiable(outputs ...*tensor.Tensor) {
	if c.nonDiff == nil {
		c.nonDiff = make(map[*tensor.Tensor]bool, len(outputs))
	}
	for _, o := range outputs {
		c.nonDiff[o] = true
	}
}

// NeedsInputGrad reports whether input i requires grad.
func (c *Context) NeedsInputGrad(i int) bool {
	return i < len(c.needsInputGrad) && c.needsInputGrad[i]
}

func (c *Context) isNonDifferentiable(t *tensor.Tensor) bool {
	return c.nonDiff[t]
}
