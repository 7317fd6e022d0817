package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" DEBUG ", LevelDebug},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
	assert.Equal(t, "warn", LevelWarn.String())
}

func TestNewLogger_NoColorOffTerminal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.Info("plan committed", "plan", "0f4c2a9e")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "plan committed")
	assert.Contains(t, out, "plan=0f4c2a9e")
	assert.NotContains(t, out, "\x1b[", "no ANSI escapes when not a terminal")
	assert.False(t, IsTerminal(&buf))
}

func TestWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug)
	w := NewWriter(logger, slog.LevelWarn, "badger")

	n, err := w.Write([]byte("first\nsecond\n"))
	assert.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Contains(t, buf.String(), "line=first")
	assert.Contains(t, buf.String(), "line=second")

	_, err = NewWriter(nil, slog.LevelInfo, "x").Write([]byte("ignored"))
	assert.NoError(t, err)
}
