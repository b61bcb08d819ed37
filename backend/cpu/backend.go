package cpu

import (
	"fmt"
	"math"
	"unsafe"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
)

const elemSize = 8

type cpuBackend struct{}

func init() {
	backend.Register(&cpuBackend{})
}

func (cb *cpuBackend) Name() string                   { return "cpu" }
func (cb *cpuBackend) DeviceType() backend.DeviceType { return backend.CPU }

func (cb *cpuBackend) Alloc(byteLen int) (backend.Storage, error) {
	if byteLen < 0 {
		return nil, fmt.Errorf("cpu: negative allocation size %d", byteLen)
	}
	return Alloc(byteLen), nil
}

func (cb *cpuBackend) Free(s backend.Storage) {
	if cs, ok := s.(*storage); ok {
		cs.Free()
	}
}

func (cb *cpuBackend) Copy(dst, src backend.Storage, byteLen int) error {
	db, sb := dst.Bytes(), src.Bytes()
	if len(db) < byteLen || len(sb) < byteLen {
		return fmt.Errorf("cpu: copy of %d bytes out of range (dst %d, src %d)", byteLen, len(db), len(sb))
	}
	copy(db[:byteLen], sb[:byteLen])
	return nil
}

func (cb *cpuBackend) ToDevice(d backend.Device, src backend.Storage) (backend.Storage, error) {
	if d.Type != backend.CPU {
		return nil, backend.ErrUnsupported
	}
	sb := src.Bytes()
	if sb == nil && src.ByteLen() > 0 {
		return nil, fmt.Errorf("cpu: cannot read %s storage from host", src.Device())
	}
	out := make([]byte, len(sb))
	copy(out, sb)
	return &storage{buf: out, dev: d}, nil
}

// floatSlice views the first n float64 elements of s.
func floatSlice(s backend.Storage, n int) []float64 {
	if n == 0 {
		return nil
	}
	b := s.Bytes()
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), n)
}

func unary(dst, src backend.Storage, nElems int, f func(float64) float64) error {
	d := floatSlice(dst, nElems)
	x := floatSlice(src, nElems)
	for i := range d {
		d[i] = f(x[i])
	}
	return nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func elu(x, alpha float64) float64 {
	if x > 0 {
		return x
	}
	return alpha * (math.Exp(x) - 1)
}

// dElu is the ELU derivative at the pre-activation z.
func dElu(z, alpha float64) float64 {
	e := math.Exp(z)
	var d float64
	if z > 0 {
		d = 1
	}
	if alpha*(e-1) < 0 {
		d += alpha * e
	}
	return d
}

func (cb *cpuBackend) Neg(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float64) float64 { return -x })
}

func (cb *cpuBackend) Exp(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, math.Exp)
}

func (cb *cpuBackend) Tanh(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, math.Tanh)
}

func (cb *cpuBackend) Sigmoid(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, sigmoid)
}

func (cb *cpuBackend) Elu(dst, src backend.Storage, nElems int, alpha float64) error {
	return unary(dst, src, nElems, func(x float64) float64 { return elu(x, alpha) })
}

func (cb *cpuBackend) SigmoidBackward(dst, grad, out backend.Storage, nElems int) error {
	d := floatSlice(dst, nElems)
	g := floatSlice(grad, nElems)
	y := floatSlice(out, nElems)
	for i := range d {
		d[i] = g[i] * y[i] * (1 - y[i])
	}
	return nil
}

func (cb *cpuBackend) TanhBackward(dst, grad, out backend.Storage, nElems int) error {
	d := floatSlice(dst, nElems)
	g := floatSlice(grad, nElems)
	y := floatSlice(out, nElems)
	for i := range d {
		d[i] = g[i] * (1 - y[i]*y[i])
	}
	return nil
}

func (cb *cpuBackend) EluBackward(dst, grad, input backend.Storage, nElems int, alpha float64) error {
	d := floatSlice(dst, nElems)
	g := floatSlice(grad, nElems)
	x := floatSlice(input, nElems)
	for i := range d {
		d[i] = g[i] * dElu(x[i], alpha)
	}
	return nil
}

// broadcastIter: for each linear out index, compute linear indices into a and b (NumPy broadcast).
func broadcastIter(outShape core.Shape, aShape, bShape core.Shape, aStrides, bStrides core.Strides) (nOut int, getIndices func(outLinear int) (aIdx, bIdx int)) {
	nOut = outShape.NumElements()
	nd := len(outShape)
	aPad := nd - len(aShape)
	bPad := nd - len(bShape)
	idx := make([]int, nd)
	getIndices = func(outLinear int) (aIdx, bIdx int) {
		rem := outLinear
		for i := nd - 1; i >= 0; i-- {
			idx[i] = rem % outShape[i]
			rem /= outShape[i]
		}
		for i := 0; i < nd; i++ {
			if i >= aPad && aShape[i-aPad] != 1 {
				aIdx += idx[i] * (aStrides[i-aPad] / elemSize)
			}
			if i >= bPad && bShape[i-bPad] != 1 {
				bIdx += idx[i] * (bStrides[i-bPad] / elemSize)
			}
		}
		return aIdx, bIdx
	}
	return nOut, getIndices
}

// extent is the number of elements a strided view spans in its storage.
func extent(shape core.Shape, strides core.Strides) int {
	if shape.NumElements() == 0 {
		return 0
	}
	last := 0
	for i, d := range shape {
		last += (d - 1) * (strides[i] / elemSize)
	}
	return last + 1
}

func binary(dst, a, b backend.Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape, f func(x, y float64) float64) error {
	n, get := broadcastIter(outShape, aShape, bShape, aStrides, bStrides)
	da := floatSlice(dst, n)
	pa := floatSlice(a, extent(aShape, aStrides))
	pb := floatSlice(b, extent(bShape, bStrides))
	for i := 0; i < n; i++ {
		ai, bi := get(i)
		da[i] = f(pa[ai], pb[bi])
	}
	return nil
}

func (cb *cpuBackend) Add(dst, a, b backend.Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error {
	return binary(dst, a, b, aShape, bShape, aStrides, bStrides, outShape, func(x, y float64) float64 { return x + y })
}

func (cb *cpuBackend) Sub(dst, a, b backend.Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error {
	return binary(dst, a, b, aShape, bShape, aStrides, bStrides, outShape, func(x, y float64) float64 { return x - y })
}

func (cb *cpuBackend) Mul(dst, a, b backend.Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error {
	return binary(dst, a, b, aShape, bShape, aStrides, bStrides, outShape, func(x, y float64) float64 { return x * y })
}

func (cb *cpuBackend) Sum(dst, src backend.Storage, srcShape core.Shape, srcStrides core.Strides, axis int, keepDim bool) error {
	srcF := floatSlice(src, extent(srcShape, srcStrides))
	if axis == -1 || len(srcShape) == 0 {
		var sum float64
		for i := 0; i < srcShape.NumElements(); i++ {
			off := 0
			for d, ix := range srcShape.Unravel(i) {
				off += ix * (srcStrides[d] / elemSize)
			}
			sum += srcF[off]
		}
		floatSlice(dst, 1)[0] = sum
		return nil
	}
	if axis < 0 || axis >= len(srcShape) {
		return fmt.Errorf("cpu: sum axis %d out of range for shape %v", axis, srcShape)
	}
	// Reduce along axis: output shape = drop axis (or 1 if keepDim)
	before := 1
	for i := 0; i < axis; i++ {
		before *= srcShape[i]
	}
	after := 1
	for i := axis + 1; i < len(srcShape); i++ {
		after *= srcShape[i]
	}
	dimSize := srcShape[axis]
	strideAxis := srcStrides[axis] / elemSize
	dstF := floatSlice(dst, before*after)
	for i := 0; i < before; i++ {
		for j := 0; j < after; j++ {
			base := 0
			ii, jj := i, j
			for d := axis - 1; d >= 0; d-- {
				base += (ii % srcShape[d]) * (srcStrides[d] / elemSize)
				ii /= srcShape[d]
			}
			for d := len(srcShape) - 1; d > axis; d-- {
				base += (jj % srcShape[d]) * (srcStrides[d] / elemSize)
				jj /= srcShape[d]
			}
			var s float64
			for k := 0; k < dimSize; k++ {
				s += srcF[base+k*strideAxis]
			}
			dstF[i*after+j] = s
		}
	}
	return nil
}

// general wraps a row-major [rows, cols] buffer for BLAS.
func general(s backend.Storage, rows, cols int) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: floatSlice(s, rows*cols)}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes C = alpha*op(A)@op(B) + beta*C on row-major storage.
func gemm(c, a, b backend.Storage, M, N, K int, transA, transB bool, alpha, beta float64) {
	if M == 0 || N == 0 {
		return
	}
	cm := general(c, M, N)
	if K == 0 {
		for i := range cm.Data {
			cm.Data[i] *= beta
		}
		return
	}
	ar, ac := M, K
	if transA {
		ar, ac = K, M
	}
	br, bc := K, N
	if transB {
		br, bc = N, K
	}
	blas64.Gemm(transpose(transA), transpose(transB), alpha, general(a, ar, ac), general(b, br, bc), beta, cm)
}

func (cb *cpuBackend) MatMul(dst, a, b backend.Storage, M, N, K int, transA, transB bool) error {
	gemm(dst, a, b, M, N, K, transA, transB, 1, 0)
	return nil
}

func (cb *cpuBackend) Contiguous(dst, src backend.Storage, shape core.Shape, strides core.Strides) error {
	n := shape.NumElements()
	d := floatSlice(dst, n)
	s := floatSlice(src, extent(shape, strides))
	for i := 0; i < n; i++ {
		off := 0
		for ax, ix := range shape.Unravel(i) {
			off += ix * (strides[ax] / elemSize)
		}
		d[i] = s[off]
	}
	return nil
}

func (cb *cpuBackend) CopyColumns(dst, src backend.Storage, rows, dstCols, dstOff, srcCols, srcOff, width int) error {
	if dstOff+width > dstCols || srcOff+width > srcCols {
		return fmt.Errorf("cpu: column copy [%d,+%d) out of range (dst %d, src %d cols)", srcOff, width, dstCols, srcCols)
	}
	d := floatSlice(dst, rows*dstCols)
	s := floatSlice(src, rows*srcCols)
	for r := 0; r < rows; r++ {
		copy(d[r*dstCols+dstOff:r*dstCols+dstOff+width], s[r*srcCols+srcOff:r*srcCols+srcOff+width])
	}
	return nil
}

func (cb *cpuBackend) Fill(dst backend.Storage, nElems int, value float64) error {
	d := floatSlice(dst, nElems)
	for i := range d {
		d[i] = value
	}
	return nil
}
