// Package gradcheck compares analytical gradients from the autograd engine
// against central finite differences.
package gradcheck

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/forgi86/extension-cpp/autograd"
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/tensor"
)

// Func is a differentiable function of tensors.
type Func func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// Options control the comparison. Zero values are replaced by defaults.
type Options struct {
	Eps  float64
	Atol float64
	Rtol float64
	// SkipUndefinedGrad disables the zero-output-gradient check.
	SkipUndefinedGrad bool
	// NondetTol is the allowed difference between two backward passes.
	NondetTol float64
}

// DefaultOptions returns eps=1e-6, atol=1e-5, rtol=1e-3.
func DefaultOptions() Options {
	return Options{Eps: 1e-6, Atol: 1e-5, Rtol: 1e-3}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Eps == 0 {
		o.Eps = d.Eps
	}
	if o.Atol == 0 {
		o.Atol = d.Atol
	}
	if o.Rtol == 0 {
		o.Rtol = d.Rtol
	}
	return o
}

// ErrNoGradInputs is returned when no input requires grad.
var ErrNoGradInputs = errors.New("gradcheck expects at least one input tensor to require gradient")

// MismatchError reports the first (output, input) pair whose Jacobians differ.
type MismatchError struct {
	Output, Input int
	Numerical     [][]float64
	Analytical    [][]float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("Jacobian mismatch for output %d with respect to input %d,\nnumerical:%s\nanalytical:%s",
		e.Output, e.Input, formatMatrix(e.Numerical), formatMatrix(e.Analytical))
}

// Check runs fn on inputs and verifies its gradients. It returns nil when
// every Jacobian matches.
func Check(fn Func, inputs []*tensor.Tensor, opts Options) error {
	opts = opts.withDefaults()

	var diffIdx []int
	for i, in := range inputs {
		if in == nil || !in.RequiresGrad {
			continue
		}
		if in.DType != core.Float64 {
			return fmt.Errorf("input %d has dtype %s; gradcheck requires float64 inputs", i, in.DType)
		}
		diffIdx = append(diffIdx, i)
	}
	if len(diffIdx) == 0 {
		return ErrNoGradInputs
	}

	outputs, err := fn(inputs)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	var diffOuts []*tensor.Tensor
	for _, out := range outputs {
		if out != nil && out.RequiresGrad {
			diffOuts = append(diffOuts, out)
		}
	}
	if len(diffOuts) == 0 {
		return errors.New("gradcheck: none of the outputs requires grad")
	}

	numerical, err := numericalJacobian(fn, inputs, outputs, diffIdx, diffOuts, opts.Eps)
	if err != nil {
		return err
	}
	diffIns := make([]*tensor.Tensor, len(diffIdx))
	for k, i := range diffIdx {
		diffIns[k] = inputs[i]
	}
	analytical, err := analyticalJacobian(diffOuts, diffIns)
	if err != nil {
		return err
	}
	again, err := analyticalJacobian(diffOuts, diffIns)
	if err != nil {
		return err
	}

	for o := range diffOuts {
		for k, i := range diffIdx {
			if !reentrant(analytical[o][k], again[o][k], opts.NondetTol) {
				return fmt.Errorf("backward is not reentrant: output %d with respect to input %d differs between two backward passes with identical grad_output (nondet_tol=%g)", o, i, opts.NondetTol)
			}
			if !allClose(analytical[o][k], numerical[o][k], opts.Atol, opts.Rtol) {
				return &MismatchError{Output: o, Input: i, Numerical: numerical[o][k], Analytical: analytical[o][k]}
			}
		}
	}

	if !opts.SkipUndefinedGrad {
		if err := checkZeroGrad(diffOuts, diffIns); err != nil {
			return err
		}
	}
	return nil
}

// numericalJacobian returns J[out][in] as [numel(out)][numel(in)] matrices
// built column by column from central differences.
func numericalJacobian(fn Func, inputs, outputs []*tensor.Tensor, diffIdx []int, diffOuts []*tensor.Tensor, eps float64) ([][][][]float64, error) {
	// Position of each differentiable output within the full output list.
	var outPos []int
	for o, out := range outputs {
		if out != nil && out.RequiresGrad {
			outPos = append(outPos, o)
		}
	}

	jac := make([][][][]float64, len(diffOuts))
	for o, out := range diffOuts {
		jac[o] = make([][][]float64, len(diffIdx))
		for k, i := range diffIdx {
			jac[o][k] = matrix(out.NumElements(), inputs[i].NumElements())
		}
	}

	base := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		if in == nil {
			continue
		}
		base[i] = in.Detach()
	}

	for k, i := range diffIdx {
		values, err := inputs[i].Values()
		if err != nil {
			return nil, err
		}
		for j := range values {
			orig := values[j]
			values[j] = orig + eps
			plus, err := evaluate(fn, base, i, values, outPos)
			if err != nil {
				return nil, err
			}
			values[j] = orig - eps
			minus, err := evaluate(fn, base, i, values, outPos)
			if err != nil {
				return nil, err
			}
			values[j] = orig
			for o := range diffOuts {
				col := make([]float64, len(plus[o]))
				floats.SubTo(col, plus[o], minus[o])
				floats.Scale(1/(2*eps), col)
				for r, v := range col {
					jac[o][k][r][j] = v
				}
			}
		}
	}
	return jac, nil
}

// evaluate runs fn with input i replaced by values and returns the flattened
// outputs at outPos.
func evaluate(fn Func, base []*tensor.Tensor, i int, values []float64, outPos []int) ([][]float64, error) {
	x, err := tensor.FromFloat64(append([]float64(nil), values...), base[i].Shape...)
	if err != nil {
		return nil, err
	}
	if dev := base[i].Device(); dev != x.Device() {
		if x, err = x.ToDevice(dev); err != nil {
			return nil, err
		}
	}
	args := append([]*tensor.Tensor(nil), base...)
	args[i] = x
	outs, err := fn(args)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	res := make([][]float64, len(outPos))
	for o, p := range outPos {
		if p >= len(outs) || outs[p] == nil {
			return nil, fmt.Errorf("forward returned %d outputs, expected at least %d", len(outs), p+1)
		}
		if res[o], err = outs[p].Values(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// analyticalJacobian builds J[out][in] row by row from one-hot
// vector-Jacobian products.
func analyticalJacobian(outs, ins []*tensor.Tensor) ([][][][]float64, error) {
	jac := make([][][][]float64, len(outs))
	for o, out := range outs {
		jac[o] = make([][][]float64, len(ins))
		for k, in := range ins {
			jac[o][k] = matrix(out.NumElements(), in.NumElements())
		}
		for r := 0; r < out.NumElements(); r++ {
			gradOuts, err := oneHot(outs, o, r)
			if err != nil {
				return nil, err
			}
			grads, err := autograd.Grad(outs, ins, gradOuts)
			if err != nil {
				return nil, fmt.Errorf("backward: %w", err)
			}
			for k, g := range grads {
				if g == nil {
					continue
				}
				v, err := g.Values()
				if err != nil {
					return nil, err
				}
				if len(v) != ins[k].NumElements() {
					return nil, fmt.Errorf("backward returned gradient with %d elements for input of %d", len(v), ins[k].NumElements())
				}
				copy(jac[o][k][r], v)
			}
		}
	}
	return jac, nil
}

func oneHot(outs []*tensor.Tensor, o, r int) ([]*tensor.Tensor, error) {
	gradOuts := make([]*tensor.Tensor, len(outs))
	for p, out := range outs {
		data := make([]float64, out.NumElements())
		if p == o {
			data[r] = 1
		}
		g, err := onDevice(data, out)
		if err != nil {
			return nil, err
		}
		gradOuts[p] = g
	}
	return gradOuts, nil
}

func onDevice(data []float64, like *tensor.Tensor) (*tensor.Tensor, error) {
	t, err := tensor.FromFloat64(data, like.Shape...)
	if err != nil {
		return nil, err
	}
	if like.Device() != t.Device() {
		return t.ToDevice(like.Device())
	}
	return t, nil
}

// checkZeroGrad verifies that zero output gradients give zero (or no) input
// gradients.
func checkZeroGrad(outs, ins []*tensor.Tensor) error {
	gradOuts := make([]*tensor.Tensor, len(outs))
	for p, out := range outs {
		g, err := onDevice(make([]float64, out.NumElements()), out)
		if err != nil {
			return err
		}
		gradOuts[p] = g
	}
	grads, err := autograd.Grad(outs, ins, gradOuts)
	if err != nil {
		return fmt.Errorf("backward with zero grad_outputs: %w", err)
	}
	for k, g := range grads {
		if g == nil {
			continue
		}
		v, err := g.Values()
		if err != nil {
			return err
		}
		if floats.Norm(v, math.Inf(1)) != 0 {
			return fmt.Errorf("expected backward function to handle undefined output grads: input %d received a non-zero gradient", k)
		}
	}
	return nil
}

func matrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for r := range m {
		m[r] = make([]float64, cols)
	}
	return m
}

func allClose(a, n [][]float64, atol, rtol float64) bool {
	for r := range a {
		for c := range a[r] {
			if math.Abs(a[r][c]-n[r][c]) > atol+rtol*math.Abs(n[r][c]) {
				return false
			}
		}
	}
	return true
}

func reentrant(a, b [][]float64, tol float64) bool {
	for r := range a {
		if floats.Distance(a[r], b[r], math.Inf(1)) > tol {
			return false
		}
	}
	return true
}

// formatMatrix prints the Jacobian transposed, one row per input element.
func formatMatrix(m [][]float64) string {
	if len(m) == 0 {
		return " []"
	}
	var b strings.Builder
	for c := range m[0] {
		b.WriteString("\n[")
		for r := range m {
			if r > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%.4f", m[r][c])
		}
		b.WriteString("]")
	}
	return b.String()
}
