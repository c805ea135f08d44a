package edgeplane

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestLogger routes component logs through the test's output.
func newTestLogger(t *testing.T) Logger {
	t.Helper()
	adapter, err := NewZapAdapter(zaptest.NewLogger(t))
	require.NoError(t, err)
	return adapter
}

func newTestKV(t *testing.T) *BadgerKV {
	t.Helper()
	kv, err := OpenBadgerKV(context.Background(), InMemoryBadgerConfig(), NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "edgeplane.db"), NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

// requireCode asserts err is an *Error with the given code.
func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	e := AsError(err)
	require.Equal(t, code, e.Code, "unexpected error: %v", err)
}
