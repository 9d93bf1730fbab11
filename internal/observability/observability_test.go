package observability

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger(slog.LevelInfo)
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestSetupConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupConsoleLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown", "turn", 3)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
