package edgeplane

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapterFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter, err := NewZapAdapter(zap.New(core))
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	adapter.Named("router").Info("purged tag",
		String("tag", "post-42"),
		Int("objects", 3),
		Int64("bytes", 1<<20),
		Float64("score", 87.5),
		Bool("async", true),
		Duration("elapsed", 150*time.Millisecond),
		Time("at", now),
		Strings("keys", []string{"a", "b"}),
		Err(errors.New("boom")),
		Any("details", map[string]int{"n": 1}),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "purged tag", entry.Message)
	assert.Equal(t, "router", entry.LoggerName)

	ctx := entry.ContextMap()
	assert.Equal(t, "post-42", ctx["tag"])
	assert.Equal(t, int64(3), ctx["objects"])
	assert.Equal(t, int64(1<<20), ctx["bytes"])
	assert.Equal(t, 87.5, ctx["score"])
	assert.Equal(t, true, ctx["async"])
	assert.Equal(t, 150*time.Millisecond, ctx["elapsed"])
	at, ok := ctx["at"].(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(at))
	assert.Equal(t, "boom", ctx["error"])
	assert.Contains(t, ctx, "keys")
	assert.Contains(t, ctx, "details")
}

func TestZapAdapterLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	adapter, err := NewZapAdapter(zap.New(core))
	require.NoError(t, err)

	adapter.Debug("hidden")
	adapter.Info("info")
	adapter.Warn("warn")
	adapter.Error("error", Err(nil))

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
	assert.NotContains(t, logs.All()[2].ContextMap(), "error")
}

func TestNewZapAdapterRejectsNil(t *testing.T) {
	_, err := NewZapAdapter(nil)
	assert.ErrorIs(t, err, ErrNilLogger)

	_, err = NewSlogAdapter(nil)
	assert.ErrorIs(t, err, ErrNilLogger)
}

func TestNewZapLogger(t *testing.T) {
	l, err := NewZapLogger("debug", false)
	require.NoError(t, err)
	l.Debug("ok")

	_, err = NewZapLogger("loud", false)
	assert.Error(t, err)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter, err := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	require.NoError(t, err)

	adapter.Named("queue").Warn("redelivery",
		String("kind", WorkPurgeTag),
		Int("attempts", 2),
		Err(errors.New("origin down")))

	var record map[string]any
	require.NoError(t, jsonFast.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "redelivery", record["msg"])
	assert.Equal(t, "queue", record["component"])
	assert.Equal(t, WorkPurgeTag, record["kind"])
	assert.Equal(t, float64(2), record["attempts"])
	assert.Equal(t, "origin down", record["error"])
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	l.Info("discarded", String("k", "v"))
	assert.Equal(t, l, l.Named("x"))
}
