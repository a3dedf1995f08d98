package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestFromContext_FallsBackToGlobal ensures a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))

	scoped := New(zap.NewAtomicLevelAt(zap.DebugLevel), new(bytes.Buffer))
	ctx := ToContext(context.Background(), scoped)
	require.Same(t, scoped, FromContext(ctx))
}

// TestLineWriter_SplitsLines checks that each complete line becomes one record with context fields.
func TestLineWriter_SplitsLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	ctx := ToContext(context.Background(), New(zap.NewAtomicLevelAt(zap.DebugLevel), &out))
	ctx = WithKV(ctx, "sidecar", "llm")

	w := NewLineWriter(ctx, zapcore.InfoLevel)

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	require.Contains(t, out.String(), "first line")
	require.NotContains(t, out.String(), "second")

	_, err = w.Write([]byte("half\n"))
	require.NoError(t, err)
	require.Contains(t, out.String(), "second half")
	require.Contains(t, out.String(), "llm")

	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	w.Flush()
	require.Contains(t, out.String(), "tail")
}
