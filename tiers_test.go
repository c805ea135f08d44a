package edgeplane

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObject(key string, ttl time.Duration, tags ...string) *CacheObject {
	return &CacheObject{
		Key:         key,
		Status:      http.StatusOK,
		ContentType: "text/html",
		Header:      http.Header{"Content-Type": {"text/html"}},
		Body:        []byte("<p>" + key + "</p>"),
		Tags:        tags,
		TTLSeconds:  int64(ttl / time.Second),
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func TestCacheObjectLifetime(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	obj := &CacheObject{TTLSeconds: 60, CreatedAt: created.UnixMilli(), Tags: []string{"home"}}

	assert.False(t, obj.IsExpiredAt(created.Add(60*time.Second).UnixMilli()))
	assert.True(t, obj.IsExpiredAt(created.Add(60*time.Second+time.Millisecond).UnixMilli()))
	assert.Equal(t, 10*time.Second, obj.Age(created.Add(10*time.Second)))
	assert.Equal(t, 50*time.Second, obj.Remaining(created.Add(10*time.Second)))
	assert.Zero(t, obj.Remaining(created.Add(time.Hour)))
	assert.True(t, obj.HasTag("home"))
	assert.False(t, obj.HasTag("post-1"))
}

func TestCacheObjectCloneIsIndependent(t *testing.T) {
	obj := newTestObject("https://s.example/", time.Minute, "home")
	clone := obj.CloneWithTier(TierObject)

	clone.Body[0] = 'X'
	clone.Header.Set("Content-Type", "application/json")
	clone.Tags[0] = "other"

	assert.Equal(t, TierObject, clone.Tier)
	assert.Empty(t, obj.Tier)
	assert.Equal(t, byte('<'), obj.Body[0])
	assert.Equal(t, "text/html", obj.Header.Get("Content-Type"))
	assert.Equal(t, []string{"home"}, obj.Tags)

	var nilObj *CacheObject
	assert.Nil(t, nilObj.CloneWithTier(TierEdge))
}

func TestEdgeTier(t *testing.T) {
	edge := NewEdgeTier(2, time.Hour)

	_, ok := edge.Get("https://s.example/a")
	assert.False(t, ok)

	a := newTestObject("https://s.example/a", time.Minute)
	edge.Put(a)
	got, ok := edge.Get(a.Key)
	require.True(t, ok)
	assert.Equal(t, TierEdge, got.Tier)
	assert.Equal(t, a.Body, got.Body)

	got.Body[0] = 'X'
	again, _ := edge.Get(a.Key)
	assert.Equal(t, byte('<'), again.Body[0], "callers get copies")

	edge.Put(newTestObject("https://s.example/b", time.Minute))
	edge.Put(newTestObject("https://s.example/c", time.Minute))
	assert.Equal(t, 2, edge.Len())
	_, ok = edge.Get(a.Key)
	assert.False(t, ok, "least recently used entry is evicted")

	assert.Equal(t, 1, edge.Delete("https://s.example/b", "https://s.example/missing"))
	assert.Equal(t, 1, edge.Len())
}

func TestEdgeTierDropsExpiredObjects(t *testing.T) {
	edge := NewEdgeTier(10, time.Hour)
	obj := newTestObject("https://s.example/old", time.Minute)
	edge.Put(obj)

	edge.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok := edge.Get(obj.Key)
	assert.False(t, ok)
	assert.Zero(t, edge.Len())
}

func TestBadgerObjectStore(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerObjectStore(newTestKV(t).DB(), 2)

	_, err := store.Get(ctx, "https://s.example/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	obj := newTestObject("https://s.example/post", time.Minute, "post-42", "home")
	require.NoError(t, store.Put(ctx, obj))

	got, err := store.Get(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, TierObject, got.Tier)
	assert.Equal(t, obj.Body, got.Body)
	assert.Equal(t, obj.Tags, got.Tags)
	assert.Equal(t, obj.CreatedAt, got.CreatedAt)
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = store.Get(ctx, obj.Key)
	assert.ErrorIs(t, err, ErrNotFound, "expiry is checked on read")
}

func TestBadgerObjectStoreSkipsExpiredPut(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerObjectStore(newTestKV(t).DB(), 10)

	obj := newTestObject("https://s.example/stale", time.Minute)
	obj.CreatedAt = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, store.Put(ctx, obj))

	_, err := store.Get(ctx, obj.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerObjectStoreDeleteInBatches(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerObjectStore(newTestKV(t).DB(), 2)

	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		obj := newTestObject(fmt.Sprintf("https://s.example/p/%d", i), time.Minute)
		require.NoError(t, store.Put(ctx, obj))
		keys = append(keys, obj.Key)
	}

	require.NoError(t, store.Delete(ctx, append(keys[:3:3], "https://s.example/never-stored")))
	for i, k := range keys {
		_, err := store.Get(ctx, k)
		if i < 3 {
			assert.ErrorIs(t, err, ErrNotFound, k)
		} else {
			assert.NoError(t, err, k)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, store.Delete(cancelled, keys[3:]), context.Canceled)
}
