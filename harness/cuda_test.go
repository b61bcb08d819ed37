package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/backend/cpu"
)

// hostCUDA serves the CUDA device type from host memory through the CPU
// kernels, so the CUDA dispatch path runs without a GPU.
type hostCUDA struct {
	backend.Backend
	// brokenBackward zeroes d_bias after the real backward kernel runs.
	brokenBackward bool
}

// cudaStorage is host memory that reports itself as cuda:0.
type cudaStorage struct {
	backend.Storage
}

func (cudaStorage) Device() backend.Device { return backend.CUDA0 }

func (h *hostCUDA) Name() string                   { return "cuda-host" }
func (h *hostCUDA) DeviceType() backend.DeviceType { return backend.CUDA }

func (h *hostCUDA) Alloc(byteLen int) (backend.Storage, error) {
	s, err := h.Backend.Alloc(byteLen)
	if err != nil {
		return nil, err
	}
	return cudaStorage{s}, nil
}

func (h *hostCUDA) Free(s backend.Storage) {
	if cs, ok := s.(cudaStorage); ok {
		h.Backend.Free(cs.Storage)
	}
}

func (h *hostCUDA) ToDevice(d backend.Device, src backend.Storage) (backend.Storage, error) {
	buf := append([]byte(nil), src.Bytes()...)
	switch d.Type {
	case backend.CPU:
		return cpu.NewStorage(buf), nil
	case backend.CUDA:
		return cudaStorage{cpu.NewStorage(buf)}, nil
	}
	return nil, backend.ErrUnsupported
}

func (h *hostCUDA) LLTMBackward(out backend.LLTMBackwardOutputs, in backend.LLTMBackwardInputs, d backend.LLTMDims) error {
	if err := h.Backend.LLTMBackward(out, in, d); err != nil {
		return err
	}
	if h.brokenBackward {
		return h.Backend.Fill(out.DBias, 3*d.State, 0)
	}
	return nil
}

// withHostCUDA registers a hostCUDA backend for the duration of the test.
func withHostCUDA(t *testing.T, brokenBackward bool) {
	t.Helper()
	if CUDAAvailable() {
		t.Skip("a CUDA backend is already linked in")
	}
	host, err := backend.Get(backend.CPU)
	require.NoError(t, err)
	backend.Register(&hostCUDA{Backend: host, brokenBackward: brokenBackward})
	t.Cleanup(func() { backend.Unregister(backend.CUDA) })
	require.True(t, CUDAAvailable())
}

func statuses(t *testing.T, report *Report) map[string]Result {
	t.Helper()
	byName := make(map[string]Result, len(report.Results))
	for _, r := range report.Results {
		byName[r.Name] = r
	}
	return byName
}

func TestSuiteWithCUDABackend(t *testing.T) {
	withHostCUDA(t, false)
	h := newHarness(t)

	args, err := h.SampleInputs(backend.CUDA0, true)
	require.NoError(t, err)
	for _, a := range args {
		assert.Equal(t, backend.CUDA0, a.Device())
	}

	report, err := h.Run(context.Background(), h.Cases())
	require.NoError(t, err)
	byName := statuses(t, report)
	for _, name := range []string{"correctness_cpu", "correctness_cuda", "gradients_cpu", "opcheck_cpu", "opcheck_cuda"} {
		assert.Equal(t, StatusPass, byName[name].Status, "%s: %s", name, byName[name].Error)
	}
	// A correct backward kernel turns the expected failure into an
	// unexpected success, which fails the run.
	assert.Equal(t, StatusXPass, byName["gradients_cuda"].Status)
	assert.Equal(t, "unexpected success", byName["gradients_cuda"].Error)
	assert.False(t, report.Passed)
	assert.Zero(t, report.Counts()[StatusSkip])
}

func TestSuiteWithBrokenCUDABackward(t *testing.T) {
	withHostCUDA(t, true)
	h := newHarness(t)

	report, err := h.Run(context.Background(), h.Cases())
	require.NoError(t, err)
	byName := statuses(t, report)
	assert.Equal(t, StatusPass, byName["correctness_cuda"].Status, byName["correctness_cuda"].Error)
	assert.Equal(t, StatusPass, byName["opcheck_cuda"].Status, byName["opcheck_cuda"].Error)
	assert.Equal(t, StatusXFail, byName["gradients_cuda"].Status)
	assert.Contains(t, byName["gradients_cuda"].Error, "Jacobian mismatch")
	assert.Equal(t, "known defect in the CUDA backward kernel", byName["gradients_cuda"].Reason)
	assert.True(t, report.Passed)
}

func TestUnregisterCUDABackend(t *testing.T) {
	if CUDAAvailable() {
		t.Skip("a CUDA backend is already linked in")
	}
	t.Run("registered", func(t *testing.T) {
		withHostCUDA(t, false)
		assert.Contains(t, backend.Available(), backend.CUDA)
	})
	assert.False(t, CUDAAvailable())
	_, err := newHarness(t).SampleInputs(backend.CUDA0, false)
	assert.ErrorIs(t, err, backend.ErrNoBackend)
}
