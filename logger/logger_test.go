package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("case", "gradients_cpu").Info("case finished", "status", "pass")
	out := buf.String()
	assert.Contains(t, out, `"msg":"case finished"`)
	assert.Contains(t, out, `"case":"gradients_cpu"`)
	assert.Contains(t, out, `"status":"pass"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	log.WithGroup("suite").Warn("shown", "n", 1)
	assert.Contains(t, buf.String(), "suite.n=1")
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelDebug)
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Debug("from context")
	assert.Contains(t, buf.String(), "from context")
	assert.NotNil(t, FromContext(context.Background()))
	Discard().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "": slog.LevelInfo, "INFO": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
