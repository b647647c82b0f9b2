package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"  debug  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.input))
		})
	}
}

func TestCLIHandler_Colours(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelInfo))

	logger.Info("epoch finished", "epoch", 3)
	assert.Contains(t, buf.String(), "epoch finished: epoch=3")
	assert.Contains(t, buf.String(), colorGreen)
	assert.NotContains(t, buf.String(), colorRed)

	buf.Reset()
	logger.Error("training failed")
	assert.Contains(t, buf.String(), colorRed)
}

func TestCLIHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelWarn))

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestCLIHandler_GroupAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCLIHandler(&buf, slog.LevelInfo)).WithGroup("train").With("run", "a1")

	logger.Info("hello", "loss", 0.5)

	out := buf.String()
	assert.Contains(t, out, "[train] hello")
	assert.Contains(t, out, "run=a1 loss=0.5")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "json").Debug("model loaded", "channels", 16)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "model loaded", rec["msg"])
	assert.Equal(t, float64(16), rec["channels"])
}

func TestNew_TextFallback(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "xml").Info("ready")
	assert.Contains(t, buf.String(), "msg=ready")
}
