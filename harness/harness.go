// Package harness checks the LLTM custom operator against its reference
// implementation: forward correctness, gradients and operator registration.
package harness

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/forgi86/extension-cpp/backend"
	_ "github.com/forgi86/extension-cpp/backend/cpu"
	"github.com/forgi86/extension-cpp/closeness"
	"github.com/forgi86/extension-cpp/extension"
	"github.com/forgi86/extension-cpp/gradcheck"
	"github.com/forgi86/extension-cpp/library"
	"github.com/forgi86/extension-cpp/logger"
	"github.com/forgi86/extension-cpp/opcheck"
	"github.com/forgi86/extension-cpp/tensor"
)

// ForwardOpName is the overload opcheck runs against.
const ForwardOpName = extension.Namespace + "::lltm_forward.default"

// Harness owns the configuration and the random source for sample inputs.
type Harness struct {
	cfg Config
	log logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and returns a harness. A nil log discards output.
func New(cfg Config, log logger.Logger) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Harness{cfg: cfg, log: log, rng: tensor.NewRand(cfg.Seed)}, nil
}

// Config returns the validated configuration.
func (h *Harness) Config() Config { return h.cfg }

// CUDAAvailable reports whether a CUDA backend is registered.
func CUDAAvailable() bool {
	return backend.Has(backend.CUDA)
}

// SampleInputs returns (X, W, b, h, C) drawn from a standard normal.
//
//	X [batch, features]  W [3*state, features+state]  b [1, 3*state]
//	h [batch, state]     C [batch, state]
func (h *Harness) SampleInputs(device backend.Device, requiresGrad bool) ([]*tensor.Tensor, error) {
	B, F, S := h.cfg.BatchSize, h.cfg.Features, h.cfg.StateSize
	h.mu.Lock()
	defer h.mu.Unlock()
	draw := func(shape ...int) (*tensor.Tensor, error) {
		return tensor.Randn(h.rng, device, requiresGrad, shape...)
	}
	x, err := draw(B, F)
	if err != nil {
		return nil, fmt.Errorf("sample inputs on %s: %w", device, err)
	}
	hx, err := draw(B, S)
	if err != nil {
		return nil, err
	}
	cx, err := draw(B, S)
	if err != nil {
		return nil, err
	}
	w, err := draw(3*S, F+S)
	if err != nil {
		return nil, err
	}
	b, err := draw(1, 3*S)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{x, w, b, hx, cx}, nil
}

// Correctness compares the custom operator against the reference on the
// same inputs under default tolerances.
func (h *Harness) Correctness(device backend.Device) error {
	args, err := h.SampleInputs(device, false)
	if err != nil {
		return err
	}
	result, err := extension.Func(extension.Lltm)(args)
	if err != nil {
		return fmt.Errorf("lltm: %w", err)
	}
	expected, err := extension.Func(extension.ReferenceLltm)(args)
	if err != nil {
		return fmt.Errorf("reference lltm: %w", err)
	}
	if len(result) != len(expected) {
		return fmt.Errorf("lltm returned %d tensors, reference %d", len(result), len(expected))
	}
	return closeness.Check(result, expected)
}

// Gradients runs the finite-difference check on the custom operator.
func (h *Harness) Gradients(device backend.Device) error {
	args, err := h.SampleInputs(device, true)
	if err != nil {
		return err
	}
	return gradcheck.Check(extension.Func(extension.Lltm), args, h.cfg.gradcheckOptions())
}

// Opcheck runs every operator-contract test against lltm_forward.default.
func (h *Harness) Opcheck(device backend.Device) error {
	args, err := h.SampleInputs(device, false)
	if err != nil {
		return err
	}
	op, err := library.Lookup(ForwardOpName)
	if err != nil {
		return err
	}
	report, err := opcheck.Check(op, args)
	if report != nil {
		for _, o := range report.Outcomes {
			h.log.Debug("opcheck", "op", report.Op, "device", device.String(), "test", o.Test, "status", o.Status())
		}
	}
	return err
}
