package backend

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/forgi86/extension-cpp/core"
)

// DeviceType identifies the kind of hardware.
type DeviceType uint8

const (
	CPU DeviceType = iota
	CUDA
	ROCm
	Metal
	Vulkan
	// Meta carries shape and dtype only; it never holds data.
	Meta
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case ROCm:
		return "rocm"
	case Metal:
		return "metal"
	case Vulkan:
		return "vulkan"
	case Meta:
		return "meta"
	default:
		return "unknown"
	}
}

// ParseDeviceType converts "cpu", "cuda", ... into a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	for dt := CPU; dt <= Meta; dt++ {
		if dt.String() == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// Device identifies a specific device (e.g. GPU 0).
type Device struct {
	Type  DeviceType
	Index int
}

// CPU0 is the default CPU device.
var CPU0 = Device{Type: CPU, Index: 0}

// CUDA0 is the first CUDA device.
var CUDA0 = Device{Type: CUDA, Index: 0}

func (d Device) String() string {
	if d.Type == CPU || d.Type == Meta {
		return d.Type.String()
	}
	return d.Type.String() + ":" + strconv.Itoa(d.Index)
}

// ParseDevice accepts "cpu", "cuda" and "cuda:<index>".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(s, ":")
	dt, err := ParseDeviceType(name)
	if err != nil {
		return Device{}, err
	}
	d := Device{Type: dt}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		d.Index = n
	}
	return d, nil
}

// Storage represents raw memory on a device.
// Ptr() is the bridge to raw hardware (RAM address for CPU, device pointer for GPU).
type Storage interface {
	Device() Device
	Ptr() uintptr
	Bytes() []byte // CPU only; nil for GPU and meta
	ByteLen() int
	Free()
}

// LLTMDims are the sizes shared by every LLTM kernel buffer.
type LLTMDims struct {
	Batch    int
	Features int
	State    int
}

// LLTMForwardInputs are the forward kernel operands.
// Input [B,F], Weights [3S,S+F], Bias [1,3S], OldH [B,S], OldCell [B,S].
type LLTMForwardInputs struct {
	Input, Weights, Bias, OldH, OldCell Storage
}

// LLTMForwardOutputs receive the forward results. X is [B,S+F], GateWeights
// [B,3S]; the rest are [B,S].
type LLTMForwardOutputs struct {
	NewH, NewCell, InputGate, OutputGate, CandidateCell, X, GateWeights Storage
}

// LLTMBackwardInputs are the backward kernel operands: the two incoming
// gradients followed by what the forward pass saved.
type LLTMBackwardInputs struct {
	GradH, GradCell                                              Storage
	NewCell, InputGate, OutputGate, CandidateCell, X, GateWeights Storage
	Weights                                                      Storage
}

// LLTMBackwardOutputs receive the input gradients.
type LLTMBackwardOutputs struct {
	DOldH, DInput, DWeights, DBias, DOldCell Storage
}

// Backend is the contract every hardware backend must implement.
// All kernels operate on float64 elements; strides are in bytes.
type Backend interface {
	Name() string
	DeviceType() DeviceType

	Alloc(byteLen int) (Storage, error)
	Free(s Storage)
	Copy(dst, src Storage, byteLen int) error
	ToDevice(dst Device, src Storage) (Storage, error)

	// Unary (dst, src, nElems)
	Neg(dst, src Storage, nElems int) error
	Exp(dst, src Storage, nElems int) error
	Tanh(dst, src Storage, nElems int) error
	Sigmoid(dst, src Storage, nElems int) error
	Elu(dst, src Storage, nElems int, alpha float64) error

	// Activation gradients: dst = grad * f'(.). Sigmoid and Tanh take the
	// forward output, Elu takes the forward input.
	SigmoidBackward(dst, grad, out Storage, nElems int) error
	TanhBackward(dst, grad, out Storage, nElems int) error
	EluBackward(dst, grad, input Storage, nElems int, alpha float64) error

	// Binary with broadcasting: dst = a op b (shape = broadcast(aShape, bShape))
	Add(dst, a, b Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error
	Sub(dst, a, b Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error
	Mul(dst, a, b Storage, aShape, bShape core.Shape, aStrides, bStrides core.Strides, outShape core.Shape) error

	// Sum reduces over axis (-1 = all axes). dst is contiguous.
	Sum(dst, src Storage, srcShape core.Shape, srcStrides core.Strides, axis int, keepDim bool) error

	// MatMul: C[M,N] = op(A) @ op(B) where op transposes when the flag is set.
	// A is stored [M,K] (or [K,M] when transA), B [K,N] (or [N,K] when transB).
	MatMul(dst, a, b Storage, M, N, K int, transA, transB bool) error

	// Contiguous gathers a strided view into a row-major dst.
	Contiguous(dst, src Storage, shape core.Shape, strides core.Strides) error

	// CopyColumns copies width columns of a row-major [rows, srcCols] matrix
	// starting at srcOff into dst [rows, dstCols] starting at dstOff.
	CopyColumns(dst, src Storage, rows, dstCols, dstOff, srcCols, srcOff, width int) error

	Fill(dst Storage, nElems int, value float64) error

	// Fused LLTM cell kernels.
	LLTMForward(out LLTMForwardOutputs, in LLTMForwardInputs, dims LLTMDims) error
	LLTMBackward(out LLTMBackwardOutputs, in LLTMBackwardInputs, dims LLTMDims) error
}

var (
	mu       sync.RWMutex
	registry = make(map[DeviceType]Backend)
)

// Register adds a backend for its device type.
func Register(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	registry[b.DeviceType()] = b
}

// Unregister removes the backend for a device type, if any.
func Unregister(dt DeviceType) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, dt)
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := registry[dt]
	if !ok {
		return nil, fmt.Errorf("%w for device type %v", ErrNoBackend, dt)
	}
	return b, nil
}

// GetForDevice returns the backend that handles the given device.
func GetForDevice(d Device) (Backend, error) {
	return Get(d.Type)
}

// Has reports whether a backend is registered for dt.
func Has(dt DeviceType) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[dt]
	return ok
}

// Available lists registered device types in ascending order.
func Available() []DeviceType {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]DeviceType, 0, len(registry))
	for dt := range registry {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	// ErrUnsupported is returned when an operation is not supported.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNoBackend is returned when no backend is registered for a device.
	ErrNoBackend = errors.New("no backend registered")
)
