package edgeplane

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdempotency(t *testing.T) *IdempotencyStore {
	t.Helper()
	s, err := NewIdempotencyStore(newTestKV(t), IdempotencyConfig{}, newTestLogger(t))
	require.NoError(t, err)
	return s
}

func okResponse(body string) func(context.Context) (*StoredResponse, error) {
	return func(context.Context) (*StoredResponse, error) {
		return &StoredResponse{
			Status: http.StatusCreated,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(body),
		}, nil
	}
}

func TestIdempotencyReplay(t *testing.T) {
	s := newTestIdempotency(t)
	ctx := context.Background()
	key := ScopedIdempotencyKey("wp-1", http.MethodPost, "/plugin/wp/sandbox/request", "k-1")

	resp, replayed, err := s.GetOrExecute(ctx, key, "hash-a", okResponse(`{"id":"r1"}`))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, http.StatusCreated, resp.Status)

	calls := 0
	resp, replayed, err = s.GetOrExecute(ctx, key, "hash-a", func(context.Context) (*StoredResponse, error) {
		calls++
		return &StoredResponse{Status: http.StatusCreated, Body: []byte(`{"id":"r2"}`)}, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Zero(t, calls)
	assert.Equal(t, `{"id":"r1"}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestIdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	s := newTestIdempotency(t)
	ctx := context.Background()

	_, _, err := s.GetOrExecute(ctx, "idempotency:k", "hash-a", okResponse("{}"))
	require.NoError(t, err)

	_, _, err = s.GetOrExecute(ctx, "idempotency:k", "hash-b", okResponse("{}"))
	requireCode(t, err, "idempotency_key_reused")
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestIdempotencyExecutesOnceUnderConcurrency(t *testing.T) {
	s := newTestIdempotency(t)
	ctx := context.Background()

	var (
		executions atomic.Int32
		wg         sync.WaitGroup
		release    = make(chan struct{})
	)
	handler := func(context.Context) (*StoredResponse, error) {
		executions.Add(1)
		<-release
		return &StoredResponse{Status: http.StatusOK, Body: []byte("done")}, nil
	}

	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.GetOrExecute(ctx, "idempotency:race", "h", handler)
			results <- err
		}()
	}

	// Everyone but the winner returns immediately with in_progress.
	inProgress := 0
	for inProgress < 9 {
		select {
		case err := <-results:
			requireCode(t, err, "idempotency_in_progress")
			inProgress++
		case <-time.After(5 * time.Second):
			t.Fatal("duplicates did not return while the winner was running")
		}
	}
	close(release)
	wg.Wait()
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), executions.Load())

	resp, replayed, err := s.GetOrExecute(ctx, "idempotency:race", "h", handler)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "done", string(resp.Body))
	assert.Equal(t, int32(1), executions.Load())
}

// failingSetKV fails Set while fail is true.
type failingSetKV struct {
	KVStore
	fail atomic.Bool
}

func (k *failingSetKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if k.fail.Load() {
		return errors.New("disk full")
	}
	return k.KVStore.Set(ctx, key, value, ttl)
}

func TestIdempotencyFailuresAbandonTheMarker(t *testing.T) {
	ctx := context.Background()

	t.Run("handler error", func(t *testing.T) {
		s := newTestIdempotency(t)
		boom := errors.New("boom")
		_, _, err := s.GetOrExecute(ctx, "idempotency:e", "h", func(context.Context) (*StoredResponse, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		_, replayed, err := s.GetOrExecute(ctx, "idempotency:e", "h", okResponse("retry"))
		require.NoError(t, err)
		assert.False(t, replayed)
	})

	t.Run("server error response", func(t *testing.T) {
		s := newTestIdempotency(t)
		resp, _, err := s.GetOrExecute(ctx, "idempotency:5xx", "h", func(context.Context) (*StoredResponse, error) {
			return &StoredResponse{Status: http.StatusInternalServerError}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.Status)

		resp, replayed, err := s.GetOrExecute(ctx, "idempotency:5xx", "h", okResponse("ok"))
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, http.StatusCreated, resp.Status)
	})

	t.Run("client error response is stored", func(t *testing.T) {
		s := newTestIdempotency(t)
		_, _, err := s.GetOrExecute(ctx, "idempotency:4xx", "h", func(context.Context) (*StoredResponse, error) {
			return &StoredResponse{Status: http.StatusBadRequest, Body: []byte("bad")}, nil
		})
		require.NoError(t, err)

		resp, replayed, err := s.GetOrExecute(ctx, "idempotency:4xx", "h", okResponse("ok"))
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("response not persisted", func(t *testing.T) {
		kv := &failingSetKV{KVStore: newTestKV(t)}
		kv.fail.Store(true)
		s, err := NewIdempotencyStore(kv, IdempotencyConfig{}, newTestLogger(t))
		require.NoError(t, err)

		resp, replayed, err := s.GetOrExecute(ctx, "idempotency:lost", "h", okResponse("first"))
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, "first", string(resp.Body))

		kv.fail.Store(false)
		resp, replayed, err = s.GetOrExecute(ctx, "idempotency:lost", "h", okResponse("second"))
		require.NoError(t, err, "a retry runs instead of waiting out the pending marker")
		assert.False(t, replayed)
		assert.Equal(t, "second", string(resp.Body))
	})

	t.Run("panic", func(t *testing.T) {
		s := newTestIdempotency(t)
		_, _, err := s.GetOrExecute(ctx, "idempotency:p", "h", func(context.Context) (*StoredResponse, error) {
			panic("handler bug")
		})
		requireCode(t, err, "internal")

		_, replayed, err := s.GetOrExecute(ctx, "idempotency:p", "h", okResponse("ok"))
		require.NoError(t, err)
		assert.False(t, replayed)
	})
}

func TestIdempotencyEmptyKeyAlwaysExecutes(t *testing.T) {
	s := newTestIdempotency(t)
	calls := 0
	for i := 0; i < 2; i++ {
		_, replayed, err := s.GetOrExecute(context.Background(), "", "h", func(context.Context) (*StoredResponse, error) {
			calls++
			return &StoredResponse{Status: http.StatusOK}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls)
}

func TestScopedIdempotencyKey(t *testing.T) {
	a := ScopedIdempotencyKey("wp-1", "post", "/plugin/wp/sandbox/vote", "k")
	b := ScopedIdempotencyKey("wp-2", "POST", "/plugin/wp/sandbox/vote", "k")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "idempotency:wp-1:POST:/plugin/wp/sandbox/vote:k", a)
}
