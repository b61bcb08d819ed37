package harness

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/core"
	"github.com/forgi86/extension-cpp/logger"
)

func newHarness(t *testing.T) *Harness {
	t.Helper()
	h, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return h
}

func requireCUDA(t *testing.T) {
	t.Helper()
	if !CUDAAvailable() {
		t.Skip("requires cuda")
	}
}

// expectFailure passes when err is non-nil and fails on unexpected success.
func expectFailure(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("unexpected success")
	}
	t.Logf("expected failure: %v", err)
}

func TestSampleInputs(t *testing.T) {
	h := newHarness(t)
	args, err := h.SampleInputs(backend.CPU0, true)
	require.NoError(t, err)
	require.Len(t, args, 5)
	want := []core.Shape{{3, 17}, {15, 22}, {1, 15}, {3, 5}, {3, 5}}
	for i, a := range args {
		assert.Equal(t, want[i], a.Shape)
		assert.Equal(t, core.Float64, a.DType)
		assert.Equal(t, backend.CPU0, a.Device())
		assert.True(t, a.RequiresGrad)
		assert.True(t, a.IsLeaf())
	}
	assert.Equal(t, args[1].Shape[0], args[2].Shape[1])

	again, err := newHarness(t).SampleInputs(backend.CPU0, false)
	require.NoError(t, err)
	assert.Equal(t, args[0].Float64(), again[0].Float64())
	assert.False(t, again[0].RequiresGrad)
}

func TestSampleInputsWithoutBackend(t *testing.T) {
	if CUDAAvailable() {
		t.Skip("a CUDA backend is linked in")
	}
	_, err := newHarness(t).SampleInputs(backend.CUDA0, false)
	assert.ErrorIs(t, err, backend.ErrNoBackend)
}

func TestCorrectnessCPU(t *testing.T) {
	require.NoError(t, newHarness(t).Correctness(backend.CPU0))
}

func TestCorrectnessCUDA(t *testing.T) {
	requireCUDA(t)
	require.NoError(t, newHarness(t).Correctness(backend.CUDA0))
}

func TestGradientsCPU(t *testing.T) {
	require.NoError(t, newHarness(t).Gradients(backend.CPU0))
}

// The CUDA backward kernel has a known defect; this should succeed once it
// is fixed.
func TestGradientsCUDA(t *testing.T) {
	requireCUDA(t)
	expectFailure(t, newHarness(t).Gradients(backend.CUDA0))
}

func TestOpcheckCPU(t *testing.T) {
	require.NoError(t, newHarness(t).Opcheck(backend.CPU0))
}

func TestOpcheckCUDA(t *testing.T) {
	requireCUDA(t)
	require.NoError(t, newHarness(t).Opcheck(backend.CUDA0))
}

func TestCases(t *testing.T) {
	cases := newHarness(t).Cases()
	var names []string
	for _, c := range cases {
		names = append(names, c.Name)
		assert.Equal(t, c.Name == "gradients_cuda", c.ExpectedFailure, c.Name)
	}
	assert.Equal(t, []string{
		"correctness_cpu", "correctness_cuda",
		"gradients_cpu", "gradients_cuda",
		"opcheck_cpu", "opcheck_cuda",
	}, names)
	assert.Len(t, FilterCases(cases, backend.CPU), 3)
	assert.Len(t, FilterCases(cases, backend.CPU, backend.CUDA), 6)
}

func TestRunSuite(t *testing.T) {
	h := newHarness(t)
	report, err := h.Run(context.Background(), h.Cases())
	require.NoError(t, err)
	require.Len(t, report.Results, 6)
	assert.True(t, report.Passed)
	assert.NotEmpty(t, report.RunID)

	byName := map[string]Result{}
	for _, r := range report.Results {
		byName[r.Name] = r
	}
	for _, name := range []string{"correctness_cpu", "gradients_cpu", "opcheck_cpu"} {
		assert.Equal(t, StatusPass, byName[name].Status, "%s: %s", name, byName[name].Error)
	}
	if !CUDAAvailable() {
		assert.Equal(t, 3, report.Counts()[StatusSkip])
		assert.Equal(t, "requires cuda", byName["gradients_cuda"].Reason)
	}
}

func TestRunStatuses(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	cases := []Case{
		{Name: "ok", Device: backend.CPU0, Run: func(context.Context) error { return nil }},
		{Name: "xfail", Device: backend.CPU0, ExpectedFailure: true, Run: func(context.Context) error { return boom }},
		{Name: "fail", Device: backend.CPU0, Run: func(context.Context) error { return boom }},
		{Name: "panics", Device: backend.CPU0, Run: func(context.Context) error { panic("kaboom") }},
		{Name: "xpass", Device: backend.CPU0, ExpectedFailure: true, Run: func(context.Context) error { return nil }},
		{Name: "vulkan", Device: backend.Device{Type: backend.Vulkan}, Run: func(context.Context) error { return nil }},
	}
	report, err := h.Run(context.Background(), cases)
	require.NoError(t, err)
	got := make([]Status, len(report.Results))
	for i, r := range report.Results {
		got[i] = r.Status
	}
	assert.Equal(t, []Status{StatusPass, StatusXFail, StatusFail, StatusFail, StatusXPass, StatusSkip}, got)
	assert.Contains(t, report.Results[3].Error, "panic: kaboom")
	assert.Equal(t, "unexpected success", report.Results[4].Error)
	assert.False(t, report.Passed)

	only := []Case{cases[0], cases[1]}
	report, err = h.Run(context.Background(), only)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestRunLoggerInContext(t *testing.T) {
	var buf bytes.Buffer
	h, err := New(DefaultConfig(), logger.Text(&buf, slog.LevelDebug))
	require.NoError(t, err)
	cases := []Case{
		{Name: "logs", Device: backend.CPU0, Run: func(ctx context.Context) error {
			logger.FromContext(ctx).Info("inside case")
			return nil
		}},
		{Name: "panics", Device: backend.CPU0, Run: func(context.Context) error { panic("kaboom") }},
	}
	report, err := h.Run(context.Background(), cases)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "msg=\"inside case\" run_id="+report.RunID)
	assert.Contains(t, out, "msg=\"case started\" run_id="+report.RunID+" case=logs")
	assert.Contains(t, out, "msg=\"case panicked\" run_id="+report.RunID+" case=panics panic=kaboom")
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	cases := []Case{
		{Name: "first", Device: backend.CPU0, Run: func(context.Context) error { ran++; cancel(); return nil }},
		{Name: "second", Device: backend.CPU0, Run: func(context.Context) error { ran++; return nil }},
	}
	report, err := h.Run(ctx, cases)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
	assert.Equal(t, StatusSkip, report.Results[1].Status)
	assert.Equal(t, context.Canceled.Error(), report.Results[1].Reason)
}

func TestReportOutput(t *testing.T) {
	h := newHarness(t)
	report, err := h.Run(context.Background(), FilterCases(h.Cases(), backend.CPU))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Len(t, decoded.Results, 3)
	assert.True(t, decoded.Passed)

	buf.Reset()
	require.NoError(t, report.WriteText(&buf))
	assert.Contains(t, buf.String(), "correctness_cpu")
	assert.Contains(t, buf.String(), "OK (passed=3, failures=0")
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1e-6, cfg.Gradcheck.Eps)

	dir := t.TempDir()
	path := filepath.Join(dir, "lltm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 4\nseed: 42\ngradcheck:\n  atol: 1e-4\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 17, cfg.Features)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 1e-4, cfg.Gradcheck.Atol)
	assert.Equal(t, 1e-3, cfg.Gradcheck.Rtol)

	require.NoError(t, os.WriteFile(path, []byte("state_size: 0\ngradcheck:\n  eps: -1\n"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "state_size must be positive")
	assert.ErrorContains(t, err, "gradcheck.eps must be positive")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = New(Config{}, nil)
	assert.Error(t, err)
}

func TestCustomSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize, cfg.Features, cfg.StateSize = 2, 4, 3
	h, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, h.Correctness(backend.CPU0))
	require.NoError(t, h.Gradients(backend.CPU0))
	require.NoError(t, h.Opcheck(backend.CPU0))
}
