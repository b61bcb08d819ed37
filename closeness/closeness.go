// Package closeness compares tensors element-wise under absolute and relative
// tolerances: |actual - expected| <= atol + rtol*|expected|.
package closeness

import (
	"fmt"
	"math"
	"strings"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/floats"

	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/tensor"
)

// Tolerance is an absolute/relative tolerance pair.
type Tolerance struct {
	Abs float64
	Rel float64
}

// DefaultTolerances are used when no tolerance is given, keyed by dtype.
var DefaultTolerances = map[core.DType]Tolerance{
	core.Float16:  {Abs: 1e-5, Rel: 1e-3},
	core.BFloat16: {Abs: 1e-5, Rel: 1.6e-2},
	core.Float32:  {Abs: 1e-5, Rel: 1.3e-6},
	core.Float64:  {Abs: 1e-7, Rel: 1e-7},
}

// DefaultTolerance returns the tolerance for dt. Non-floating dtypes compare
// exactly.
func DefaultTolerance(dt core.DType) Tolerance {
	return DefaultTolerances[dt]
}

type options struct {
	tol      *Tolerance
	equalNaN bool
}

// Option configures a comparison.
type Option func(*options)

// WithTolerance overrides the dtype defaults.
func WithTolerance(rtol, atol float64) Option {
	return func(o *options) { o.tol = &Tolerance{Abs: atol, Rel: rtol} }
}

// WithEqualNaN treats NaN as equal to NaN.
func WithEqualNaN() Option {
	return func(o *options) { o.equalNaN = true }
}

// Check compares two sequences of tensors pairwise.
func Check(actual, expected []*tensor.Tensor, opts ...Option) error {
	if len(actual) != len(expected) {
		return fmt.Errorf("the length of the sequences mismatch: %d != %d", len(actual), len(expected))
	}
	for i := range actual {
		if err := CheckTensor(actual[i], expected[i], opts...); err != nil {
			return fmt.Errorf("%w\n\nThe failure occurred for item [%d]", err, i)
		}
	}
	return nil
}

// CheckTensor compares a single pair of tensors.
func CheckTensor(actual, expected *tensor.Tensor, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if actual == nil || expected == nil {
		if actual == expected {
			return nil
		}
		return fmt.Errorf("none mismatch: %v is not %v", actual, expected)
	}
	if !actual.Shape.Equal(expected.Shape) {
		return fmt.Errorf("the values for attribute 'shape' do not match: %v != %v", actual.Shape, expected.Shape)
	}
	if actual.DType != expected.DType {
		return fmt.Errorf("the values for attribute 'dtype' do not match: %s != %s", actual.DType, expected.DType)
	}
	if actual.Device() != expected.Device() {
		return fmt.Errorf("the values for attribute 'device' do not match: %s != %s", actual.Device(), expected.Device())
	}
	if actual.IsFake() || expected.IsFake() {
		return fmt.Errorf("cannot compare values of fake tensors")
	}
	tol := DefaultTolerance(actual.DType)
	if o.tol != nil {
		tol = *o.tol
	}
	a, err := actual.Values()
	if err != nil {
		return err
	}
	e, err := expected.Values()
	if err != nil {
		return err
	}
	return compare(a, e, actual.Shape, tol, o.equalNaN)
}

// Assert is CheckTensor-for-sequences reported through testify.
func Assert(t assert.TestingT, actual, expected []*tensor.Tensor, opts ...Option) bool {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if err := Check(actual, expected, opts...); err != nil {
		return assert.Fail(t, err.Error())
	}
	return true
}

func compare(a, e []float64, shape core.Shape, tol Tolerance, equalNaN bool) error {
	n := len(a)
	if n == 0 {
		return nil
	}
	absDiff := make([]float64, n)
	relDiff := make([]float64, n)
	mismatched := 0
	for i := range a {
		if ok, exact := closeEnough(a[i], e[i], tol, equalNaN); exact {
			continue
		} else if !ok {
			mismatched++
		}
		d := math.Abs(a[i] - e[i])
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		absDiff[i] = d
		if e[i] == 0 {
			relDiff[i] = math.Inf(1)
			if d == 0 {
				relDiff[i] = 0
			}
		} else {
			relDiff[i] = d / math.Abs(e[i])
		}
	}
	if mismatched == 0 {
		return nil
	}
	ai := floats.MaxIdx(absDiff)
	ri := floats.MaxIdx(relDiff)
	var b strings.Builder
	b.WriteString("Tensor-likes are not close!\n\n")
	fmt.Fprintf(&b, "Mismatched elements: %d / %d (%.1f%%)\n", mismatched, n, 100*float64(mismatched)/float64(n))
	fmt.Fprintf(&b, "Greatest absolute difference: %g at index %s (up to %g allowed)\n", absDiff[ai], index(shape, ai), tol.Abs)
	fmt.Fprintf(&b, "Greatest relative difference: %g at index %s (up to %g allowed)", relDiff[ri], index(shape, ri), tol.Rel)
	return fmt.Errorf("%s", b.String())
}

// closeEnough reports whether a is within tolerance of e, and whether the
// two are identical (including matching infinities and, with equalNaN, NaNs).
func closeEnough(a, e float64, tol Tolerance, equalNaN bool) (ok, exact bool) {
	if a == e {
		return true, true
	}
	if math.IsNaN(a) || math.IsNaN(e) {
		both := math.IsNaN(a) && math.IsNaN(e)
		return equalNaN && both, equalNaN && both
	}
	if math.IsInf(a, 0) || math.IsInf(e, 0) {
		return false, false
	}
	return math.Abs(a-e) <= tol.Abs+tol.Rel*math.Abs(e), false
}

func index(shape core.Shape, flat int) string {
	idx := shape.Unravel(flat)
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = fmt.Sprint(v)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
