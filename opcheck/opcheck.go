// Package opcheck verifies that a registered operator honours its
// registration contract.
package opcheck

import (
	"errors"
	"fmt"
	"sort"

	"github.com/forgi86/extension-cpp/closeness"
	"github.com/forgi86/extension-cpp/library"
	"github.com/forgi86/extension-cpp/tensor"
)

// Test names accepted by WithTests.
const (
	TestSchema               = "test_schema"
	TestAutogradRegistration = "test_autograd_registration"
	TestFakeTensor           = "test_faketensor"
)

// DefaultTests is the set run when no selection is given.
var DefaultTests = []string{TestSchema, TestAutogradRegistration, TestFakeTensor}

var tests = map[string]func(*library.OpOverload, []*tensor.Tensor) (skipped bool, err error){
	TestSchema:               checkSchema,
	TestAutogradRegistration: checkAutogradRegistration,
	TestFakeTensor:           checkFakeTensor,
}

const (
	StatusSuccess = "SUCCESS"
	StatusSkipped = "SKIPPED"
)

// Outcome is the result of one test.
type Outcome struct {
	Test    string
	Skipped bool
	Err     error
}

// Status is SUCCESS, SKIPPED or the failure message.
func (o Outcome) Status() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Skipped:
		return StatusSkipped
	default:
		return StatusSuccess
	}
}

// Report collects outcomes in the order the tests ran.
type Report struct {
	Op       string
	Outcomes []Outcome
}

// Map returns test name -> status.
func (r *Report) Map() map[string]string {
	m := make(map[string]string, len(r.Outcomes))
	for _, o := range r.Outcomes {
		m[o.Test] = o.Status()
	}
	return m
}

// Err joins every failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s failed with %s: %w", r.Op, o.Test, o.Err))
		}
	}
	return errors.Join(errs...)
}

type options struct {
	tests []string
}

// Option configures Check.
type Option func(*options)

// WithTests selects which tests run.
func WithTests(names ...string) Option {
	return func(o *options) { o.tests = names }
}

// Check runs the selected tests against op with args. The returned error is
// Report.Err(), so callers that only need pass/fail can ignore the report.
func Check(op *library.OpOverload, args []*tensor.Tensor, opts ...Option) (*Report, error) {
	o := options{tests: DefaultTests}
	for _, opt := range opts {
		opt(&o)
	}
	for _, name := range o.tests {
		if _, ok := tests[name]; !ok {
			known := make([]string, 0, len(tests))
			for k := range tests {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("opcheck: unknown test %q, expected one of %v", name, known)
		}
	}
	r := &Report{Op: op.Name()}
	for _, name := range o.tests {
		skipped, err := tests[name](op, args)
		r.Outcomes = append(r.Outcomes, Outcome{Test: name, Skipped: skipped, Err: err})
	}
	return r, r.Err()
}

// cloneArgs returns detached copies so running the op cannot touch the
// caller's tensors.
func cloneArgs(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(args))
	for i, a := range args {
		if a == nil {
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

var exact = []closeness.Option{closeness.WithTolerance(0, 0), closeness.WithEqualNaN()}

func checkSchema(op *library.OpOverload, args []*tensor.Tensor) (bool, error) {
	s := op.Schema()
	in, err := cloneArgs(args)
	if err != nil {
		return false, err
	}
	before, err := cloneArgs(in)
	if err != nil {
		return false, err
	}
	outs, err := op.Call(in...)
	if err != nil {
		return false, err
	}
	if len(outs) != len(s.Returns) {
		return false, fmt.Errorf("operator returned %d outputs but its schema declares %d", len(outs), len(s.Returns))
	}
	for i, a := range in {
		if a == nil || s.Mutates(i) {
			continue
		}
		if err := closeness.CheckTensor(a, before[i], exact...); err != nil {
			return false, fmt.Errorf("argument %s is not defined as mutable but was mutated", s.Arguments[i].Name)
		}
	}
	for j, out := range outs {
		for i, a := range in {
			if a == nil || !tensor.SharesStorage(out, a) {
				continue
			}
			if !declaredAlias(s, i, j) {
				return false, fmt.Errorf("argument %s is not defined to alias output %d but was aliasing", s.Arguments[i].Name, j)
			}
		}
	}
	return false, nil
}

func declaredAlias(s *library.Schema, arg, ret int) bool {
	a, r := s.Arguments[arg].Type.Alias, s.Returns[ret].Type.Alias
	return a != nil && r != nil && a.Set == r.Set
}

func checkAutogradRegistration(op *library.OpOverload, args []*tensor.Tensor) (bool, error) {
	if !tensor.AnyRequiresGrad(args...) {
		return true, nil
	}
	if op.HasAutograd() {
		return false, nil
	}
	in, err := cloneArgs(args)
	if err != nil {
		return false, err
	}
	for i, a := range args {
		if a != nil {
			in[i].RequiresGrad = a.RequiresGrad
		}
	}
	outs, err := op.Call(in...)
	if err != nil {
		return false, err
	}
	for _, out := range outs {
		if out.GradFn != nil {
			return false, nil
		}
	}
	return false, errors.New("operator does not have autograd support registered, but its inputs require grad; register a backward formula with RegisterAutograd")
}

func checkFakeTensor(op *library.OpOverload, args []*tensor.Tensor) (bool, error) {
	if !op.HasFake() {
		return false, fmt.Errorf("operator has no fake kernel registered: %w", library.ErrNoKernel)
	}
	in, err := cloneArgs(args)
	if err != nil {
		return false, err
	}
	realOuts, err := op.Call(in...)
	if err != nil {
		return false, err
	}
	fakeOuts, err := op.CallFake(args...)
	if err != nil {
		return false, err
	}
	if len(realOuts) != len(fakeOuts) {
		return false, fmt.Errorf("fake kernel returned %d outputs, real kernel %d", len(fakeOuts), len(realOuts))
	}
	for i := range realOuts {
		r, f := realOuts[i], fakeOuts[i]
		switch {
		case !r.Shape.Equal(f.Shape):
			return false, fmt.Errorf("output %d: fake shape %v does not match real shape %v", i, f.Shape, r.Shape)
		case r.DType != f.DType:
			return false, fmt.Errorf("output %d: fake dtype %s does not match real dtype %s", i, f.DType, r.DType)
		case r.Device() != f.Device():
			return false, fmt.Errorf("output %d: fake device %s does not match real device %s", i, f.Device(), r.Device())
		case !r.Strides.Equal(f.Strides):
			return false, fmt.Errorf("output %d: fake strides %v do not match real strides %v", i, f.Strides, r.Strides)
		}
	}
	return false, nil
}
