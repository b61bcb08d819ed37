package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgi86/extension-cpp/harness"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := newApp(&buf).Run(context.Background(), append([]string{"lltmcheck"}, args...))
	return buf.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "extension_cpp::lltm_forward(Tensor input, Tensor weights, Tensor bias, Tensor old_h, Tensor old_cell)")
	assert.Contains(t, out, "extension_cpp::lltm_backward(Tensor grad_h")
	assert.Contains(t, out, "kernels: cpu,cuda  fake: true  autograd: true")
}

func TestDevicesCommand(t *testing.T) {
	out, err := run(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "cpu     available (cpu)")
	assert.Contains(t, out, "cpu features:")
}

func TestRunCPUJSON(t *testing.T) {
	out, err := run(t, "run", "--device", "cpu", "--format", "json", "--seed", "3")
	require.NoError(t, err)
	var report harness.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Passed)
	require.Len(t, report.Results, 3)
	for _, r := range report.Results {
		assert.Equal(t, harness.StatusPass, r.Status, r.Name)
	}
}

func TestRunWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 2\nfeatures: 4\nstate_size: 3\n"), 0o644))
	out, err := run(t, "run", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK (passed=3")
}

func TestRunRejectsBadFlags(t *testing.T) {
	_, err := run(t, "run", "--device", "tpu")
	assert.Error(t, err)
	_, err = run(t, "run", "--device", "metal")
	assert.ErrorContains(t, err, "unsupported device")
	_, err = run(t, "run", "--format", "xml")
	assert.ErrorContains(t, err, "unknown format")
	_, err = run(t, "run", "--log-level", "loud")
	assert.ErrorContains(t, err, "unknown log level")
}
