package library

import (
	"fmt"
	"sync"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/tensor"
)

// Kernel computes an operator's outputs from its inputs on one device type.
// Inputs are detached: kernels never build autograd graph.
type Kernel func(args []*tensor.Tensor) ([]*tensor.Tensor, error)

// SetupContextFunc saves what the backward formula needs after a forward call.
type SetupContextFunc func(ctx *Context, inputs, outputs []*tensor.Tensor) error

// BackwardFormula maps output gradients to input gradients. Gradients of
// non-differentiable outputs are nil.
type BackwardFormula func(ctx *Context, gradOutputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// OpOverload is one registered overload of an operator.
type OpOverload struct {
	schema *Schema

	mu       sync.RWMutex
	kernels  map[backend.DeviceType]Kernel
	fake     Kernel
	backward BackwardFormula
	setup    SetupContextFunc
}

func newOpOverload(s *Schema) *OpOverload {
	return &OpOverload{schema: s, kernels: make(map[backend.DeviceType]Kernel)}
}

// Schema returns the parsed schema.
func (o *OpOverload) Schema() *Schema { return o.schema }

// Name returns "ns::name.overload".
func (o *OpOverload) Name() string {
	return o.schema.QualifiedName() + "." + o.schema.OverloadName()
}

func (o *OpOverload) String() string { return o.Name() }

// Impl registers the kernel for a device type.
func (o *OpOverload) Impl(dt backend.DeviceType, k Kernel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.kernels[dt]; ok {
		return fmt.Errorf("%s: kernel for %s: %w", o.Name(), dt, ErrAlreadyDefined)
	}
	o.kernels[dt] = k
	return nil
}

// RegisterFake registers the shape-inference kernel. It receives fake
// tensors and must return fake tensors.
func (o *OpOverload) RegisterFake(k Kernel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fake != nil {
		return fmt.Errorf("%s: fake kernel: %w", o.Name(), ErrAlreadyDefined)
	}
	o.fake = k
	return nil
}

// RegisterAutograd makes the op differentiable. setup may be nil.
func (o *OpOverload) RegisterAutograd(backward BackwardFormula, setup SetupContextFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.backward != nil {
		return fmt.Errorf("%s: autograd: %w", o.Name(), ErrAlreadyDefined)
	}
	o.backward, o.setup = backward, setup
	return nil
}

// HasKernel reports whether a kernel is registered for dt.
func (o *OpOverload) HasKernel(dt backend.DeviceType) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.kernels[dt]
	return ok
}

// HasFake reports whether a fake kernel is registered.
func (o *OpOverload) HasFake() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fake != nil
}

// HasAutograd reports whether a backward formula is registered.
func (o *OpOverload) HasAutograd() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.backward != nil
}

func (o *OpOverload) checkArgs(args []*tensor.Tensor) (backend.Device, error) {
	if len(args) != len(o.schema.Arguments) {
		return backend.Device{}, fmt.Errorf("%s: expected %d arguments, got %d", o.Name(), len(o.schema.Arguments), len(args))
	}
	var dev backend.Device
	for i, a := range args {
		arg := o.schema.Arguments[i]
		if !arg.Type.IsTensor() {
			return backend.Device{}, fmt.Errorf("%s: argument %q of type %s is not supported by the dispatcher", o.Name(), arg.Name, arg.Type)
		}
		if a == nil {
			return backend.Device{}, fmt.Errorf("%s: argument %q is nil", o.Name(), arg.Name)
		}
		if i == 0 {
			dev = a.Device()
			continue
		}
		if a.Device() != dev {
			return backend.Device{}, fmt.Errorf("%s: expected all tensors to be on the same device, but found %s and %s (argument %q)", o.Name(), dev, a.Device(), arg.Name)
		}
	}
	return dev, nil
}

func (o *OpOverload) checkOutputs(outs []*tensor.Tensor) error {
	if len(outs) != len(o.schema.Returns) {
		return fmt.Errorf("%s: kernel returned %d outputs, schema declares %d", o.Name(), len(outs), len(o.schema.Returns))
	}
	for i, t := range outs {
		if t == nil {
			return fmt.Errorf("%s: kernel returned nil output %d", o.Name(), i)
		}
	}
	return nil
}

func detachAll(args []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(args))
	for i, a := range args {
		out[i] = a.Detach()
	}
	return out
}

// Call dispatches on the device of args. Fake arguments are routed to the
// fake kernel. When an autograd formula is registered and an input requires
// grad, the differentiable outputs are attached to a graph node.
func (o *OpOverload) Call(args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	dev, err := o.checkArgs(args)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0].IsFake() {
		return o.CallFake(args...)
	}
	o.mu.RLock()
	k, ok := o.kernels[dev.Type]
	bw, setup := o.backward, o.setup
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w for device %s", o.Name(), ErrNoKernel, dev)
	}
	outs, err := k(detachAll(args))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name(), err)
	}
	if err := o.checkOutputs(outs); err != nil {
		return nil, err
	}
	if bw == nil || !tensor.AnyRequiresGrad(args...) {
		return outs, nil
	}

	ctx := &Context{needsInputGrad: make([]bool, len(args))}
	for i, a := range args {
		ctx.needsInputGrad[i] = a.RequiresGrad
	}
	if setup != nil {
		if err := setup(ctx, args, outs); err != nil {
			return nil, fmt.Errorf("%s: setup context: %w", o.Name(), err)
		}
	}
	linked := make([]*tensor.Tensor, len(outs))
	for i, t := range outs {
		if !ctx.isNonDifferentiable(t) {
			linked[i] = t
		}
	}
	inputs := append([]*tensor.Tensor(nil), args...)
	tensor.NewNode(o.schema.Name+"Backward", inputs, linked, func(g []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return bw(ctx, g)
	})
	return outs, nil
}

// CallFake runs the fake kernel on metadata-only copies of args.
func (o *OpOverload) CallFake(args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if _, err := o.checkArgs(args); err != nil {
		return nil, err
	}
	o.mu.RLock()
	k := o.fake
	o.mu.RUnlock()
	if k == nil {
		return nil, fmt.Errorf("%s: %w for fake tensors", o.Name(), ErrNoKernel)
	}
	fakes := make([]*tensor.Tensor, len(args))
	for i, a := range args {
		fakes[i] = a.AsFake()
	}
	outs, err := k(fakes)
	if err != nil {
		return nil, fmt.Errorf("%s: fake kernel: %w", o.Name(), err)
	}
	if err := o.checkOutputs(outs); err != nil {
		return nil, err
	}
	for i, t := range outs {
		if !t.IsFake() {
			return nil, fmt.Errorf("%s: fake kernel returned a real tensor at output %d", o.Name(), i)
		}
	}
	return outs, nil
}
