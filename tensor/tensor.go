package tensor

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
)

// Tensor is the core multi-dimensional array: storage + shape + strides + dtype.
// Grad is accumulated by autograd.Backward; GradFn links non-leaf tensors to
// the node that produced them.
type Tensor struct {
	Storage      backend.Storage
	Shape        core.Shape
	Strides      core.Strides
	DType        core.DType
	Grad         *Tensor // accumulated gradient (optional)
	GradFn       *Node   // producer in the autograd graph; nil for leaves
	OutputIndex  int     // which output of GradFn this tensor is
	RequiresGrad bool
}

// New creates a tensor from existing storage, shape, and strides.
// If strides is nil, contiguous row-major strides are computed.
func New(storage backend.Storage, shape core.Shape, strides core.Strides, dtype core.DType) *Tensor {
	if strides == nil {
		strides = core.ContiguousStrides(shape, dtype.Size())
	}
	return &Tensor{
		Storage: storage,
		Shape:   shape,
		Strides: strides,
		DType:   dtype,
	}
}

// Empty allocates an uninitialized tensor on device.
func Empty(device backend.Device, dtype core.DType, shape ...int) (*Tensor, error) {
	s := core.Shape(shape).Clone()
	be, err := backend.GetForDevice(device)
	if err != nil {
		return nil, err
	}
	storage, err := be.Alloc(s.NumElements() * int(dtype.Size()))
	if err != nil {
		return nil, err
	}
	return New(storage, s, nil, dtype), nil
}

// Full allocates a float64 tensor filled with value.
func Full(device backend.Device, value float64, shape ...int) (*Tensor, error) {
	t, err := Empty(device, core.Float64, shape...)
	if err != nil {
		return nil, err
	}
	be, _ := backend.GetForDevice(device)
	if err := be.Fill(t.Storage, t.NumElements(), value); err != nil {
		return nil, err
	}
	return t, nil
}

// Zeros allocates a float64 tensor of zeros.
func Zeros(device backend.Device, shape ...int) (*Tensor, error) {
	return Full(device, 0, shape...)
}

// ZerosLike allocates zeros with the shape and device of t.
func ZerosLike(t *Tensor) (*Tensor, error) {
	return Zeros(t.Device(), t.Shape...)
}

// Device returns the device holding t's storage.
func (t *Tensor) Device() backend.Device {
	return t.Storage.Device()
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.Shape.NumElements()
}

// IsLeaf reports whether t was created by the user rather than by an op.
func (t *Tensor) IsLeaf() bool {
	return t.GradFn == nil
}

// Contiguous returns true if the tensor is row-major contiguous.
func (t *Tensor) Contiguous() bool {
	return t.Strides.Equal(core.ContiguousStrides(t.Shape, t.DType.Size()))
}

// View returns a new tensor sharing storage with t but with the given shape.
// The product of shape must equal t.NumElements(). Strides are recomputed as contiguous.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	s := core.Shape(shape)
	if s.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("view shape %v has %d elements, tensor has %d", shape, s.NumElements(), t.NumElements())
	}
	if !t.Contiguous() {
		return nil, fmt.Errorf("view of non-contiguous tensor with strides %v", t.Strides)
	}
	strides := core.ContiguousStrides(s, t.DType.Size())
	return New(t.Storage, s, strides, t.DType), nil
}

// Transpose returns a new tensor with axes swapped. Only 2D for simplicity.
func (t *Tensor) Transpose() (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose only supported for 2D tensors, got shape %v", t.Shape)
	}
	// new shape [N, M], new strides: row stride = old col stride, col stride = old row stride
	newShape := core.Shape{t.Shape[1], t.Shape[0]}
	newStrides := core.Strides{t.Strides[1], t.Strides[0]}
	return New(t.Storage, newShape, newStrides, t.DType), nil
}

// FromFloat64 creates a new CPU tensor from a float64 slice (copy; contiguous).
func FromFloat64(data []float64, shape ...int) (*Tensor, error) {
	s := core.Shape(shape).Clone()
	if s.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v has %d elements, data has %d", shape, s.NumElements(), len(data))
	}
	t, err := Empty(backend.CPU0, core.Float64, s...)
	if err != nil {
		return nil, err
	}
	copy(t.Float64(), data)
	return t, nil
}

// MustFromFloat64 is FromFloat64 that panics on error; for tests and literals.
func MustFromFloat64(data []float64, shape ...int) *Tensor {
	t, err := FromFloat64(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Float64 returns the underlying float64 slice for host tensors (shared memory).
// Panics if the dtype is not Float64 or the storage is not host-accessible.
func (t *Tensor) Float64() []float64 {
	if t.DType != core.Float64 {
		panic("Float64() only for Float64 tensors")
	}
	b := t.Storage.Bytes()
	if b == nil && t.Storage.ByteLen() > 0 {
		panic(fmt.Sprintf("Float64() on %s storage is not host-accessible", t.Device()))
	}
	return Float64FromBytes(b)
}

// Values returns the elements in row-major order as a fresh slice, copying
// device or strided data to the host as needed.
func (t *Tensor) Values() ([]float64, error) {
	host := t
	if t.Device().Type != backend.CPU {
		var err error
		if host, err = t.ToDevice(backend.CPU0); err != nil {
			return nil, err
		}
	}
	c, err := host.Clone()
	if err != nil {
		return nil, err
	}
	return c.Float64(), nil
}

// Clone allocates a new contiguous tensor with the same shape and copies data.
// The clone is a leaf that does not require grad.
func (t *Tensor) Clone() (*Tensor, error) {
	be, err := backend.GetForDevice(t.Device())
	if err != nil {
		return nil, err
	}
	out, err := Empty(t.Device(), t.DType, t.Shape...)
	if err != nil {
		return nil, err
	}
	if t.Contiguous() {
		err = be.Copy(out.Storage, t.Storage, t.NumElements()*int(t.DType.Size()))
	} else {
		err = be.Contiguous(out.Storage, t.Storage, t.Shape, t.Strides)
	}
	if err != nil {
		out.Storage.Free()
		return nil, err
	}
	return out, nil
}

// Detach returns a tensor sharing t's storage but cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return New(t.Storage, t.Shape, t.Strides, t.DType)
}

// ToDevice copies t to dst. The result is a contiguous leaf.
func (t *Tensor) ToDevice(dst backend.Device) (*Tensor, error) {
	src := t
	if !t.Contiguous() {
		var err error
		if src, err = t.Clone(); err != nil {
			return nil, err
		}
	}
	if src.Device() == dst {
		return src.Clone()
	}
	// Try the source backend first (device -> host), then the destination (host -> device).
	var storage backend.Storage
	srcBe, err := backend.GetForDevice(src.Device())
	if err == nil {
		storage, err = srcBe.ToDevice(dst, src.Storage)
	}
	if err != nil {
		dstBe, derr := backend.GetForDevice(dst)
		if derr != nil {
			return nil, errors.Join(err, derr)
		}
		if storage, derr = dstBe.ToDevice(dst, src.Storage); derr != nil {
			return nil, fmt.Errorf("copy %s -> %s: %w", src.Device(), dst, derr)
		}
	}
	return New(storage, src.Shape.Clone(), nil, src.DType), nil
}

// AsFake returns a metadata-only twin of t on the same device.
func (t *Tensor) AsFake() *Tensor {
	out := New(backend.NewMetaStorage(t.Device(), t.Storage.ByteLen()), t.Shape.Clone(), append(core.Strides(nil), t.Strides...), t.DType)
	out.RequiresGrad = t.RequiresGrad
	return out
}

// IsFake reports whether t carries metadata only.
func (t *Tensor) IsFake() bool {
	return backend.IsMeta(t.Storage)
}

// EmptyFake builds a metadata-only contiguous tensor; fake kernels return these.
func EmptyFake(device backend.Device, dtype core.DType, shape ...int) *Tensor {
	s := core.Shape(shape).Clone()
	return New(backend.NewMetaStorage(device, s.NumElements()*int(dtype.Size())), s, nil, dtype)
}

// SharesStorage reports whether a and b view overlapping memory.
func SharesStorage(a, b *Tensor) bool {
	if a.Storage == b.Storage {
		return true
	}
	pa, pb := a.Storage.Ptr(), b.Storage.Ptr()
	if pa == 0 || pb == 0 {
		return false
	}
	return pa < pb+uintptr(b.Storage.ByteLen()) && pb < pa+uintptr(a.Storage.ByteLen())
}

// Float64FromBytes returns a float64 slice that shares memory with b.
// Caller must ensure b has length divisible by 8.
func Float64FromBytes(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}
