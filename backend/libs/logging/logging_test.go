package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNewLoggerHonoursExplicitLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	logger, err := NewLogger("charging-service", "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}
