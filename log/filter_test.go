package log

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactFieldsCoreMasksConfiguredKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(RedactFieldsCore(core, "authorization", "x-api-key"))

	logger.Info("dial", zap.String("authorization", "Bearer secret"), zap.String("host", "example.com"))
	logger.With(zap.String("x-api-key", "da2-key")).Info("sign")

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	require.Equal(t, "[redacted]", first["authorization"])
	require.Equal(t, "example.com", first["host"])

	second := entries[1].ContextMap()
	require.Equal(t, "[redacted]", second["x-api-key"])
}

func TestRedactFieldsCoreWithoutKeysPassesThrough(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(RedactFieldsCore(core))

	logger.Info("plain", zap.String("token", "abc"))
	require.Equal(t, "abc", logs.All()[0].ContextMap()["token"])
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		level string
		dev   bool
		want  zapcore.Level
	}{
		{"warn", false, zapcore.WarnLevel},
		{"", true, zapcore.DebugLevel},
		{"", false, zapcore.InfoLevel},
		{"fatal", true, zapcore.FatalLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.level, tc.dev); got != tc.want {
			t.Fatalf("level mismatch for %q/%v: got=%v want=%v", tc.level, tc.dev, got, tc.want)
		}
	}
}

func TestNewZapLoggerHonoursLevel(t *testing.T) {
	logger, err := NewZapLogger(Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
