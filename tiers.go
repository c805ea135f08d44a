package edgeplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EdgeTier is the in-process first tier: a bounded LRU whose entries also
// expire with their own TTL.
type EdgeTier struct {
	lru *expirable.LRU[string, *CacheObject]
	now func() time.Time
}

// NewEdgeTier creates an edge tier holding at most size objects. maxTTL caps
// how long any entry can stay resident.
func NewEdgeTier(size int, maxTTL time.Duration) *EdgeTier {
	if size <= 0 {
		size = 10000
	}
	return &EdgeTier{
		lru: expirable.NewLRU[string, *CacheObject](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns a copy of the object under key if it has not expired.
func (e *EdgeTier) Get(key string) (*CacheObject, bool) {
	obj, ok := e.lru.Get(key)
	if !ok {
		return nil, false
	}
	if obj.IsExpiredAt(e.now().UnixMilli()) {
		e.lru.Remove(key)
		return nil, false
	}
	return obj.CloneWithTier(TierEdge), true
}

// Put stores obj.
func (e *EdgeTier) Put(obj *CacheObject) {
	e.lru.Add(obj.Key, obj.CloneWithTier(TierEdge))
}

// Delete removes keys and returns how many were present.
func (e *EdgeTier) Delete(keys ...string) int {
	n := 0
	for _, k := range keys {
		if e.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Len returns the number of resident objects.
func (e *EdgeTier) Len() int { return e.lru.Len() }

// ObjectStore is the durable second tier holding cached bodies with their
// metadata (tags, ttl, created-at, content type).
type ObjectStore interface {
	// Get returns ErrNotFound for missing or expired objects.
	Get(ctx context.Context, key string) (*CacheObject, error)
	Put(ctx context.Context, obj *CacheObject) error
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys []string) error
}

// BadgerObjectStore keeps objects in the blob/ namespace of the shared Badger
// database, gzip-compressed JSON envelopes with a Badger TTL matching the
// object TTL.
type BadgerObjectStore struct {
	db         *badger.DB
	serializer Serializer
	batchSize  int
	now        func() time.Time
}

var _ ObjectStore = (*BadgerObjectStore)(nil)

// NewBadgerObjectStore creates the object tier on db. Deletes are flushed in
// write batches of at most batchSize keys.
func NewBadgerObjectStore(db *badger.DB, batchSize int) *BadgerObjectStore {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BadgerObjectStore{
		db:         db,
		serializer: NewCompressedSerializer(&JSONSerializer{}),
		batchSize:  batchSize,
		now:        time.Now,
	}
}

func (s *BadgerObjectStore) Get(ctx context.Context, key string) (*CacheObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var obj CacheObject
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ObjectKey(key)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return s.serializer.Unmarshal(v, &obj)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if obj.Key != key || obj.IsExpiredAt(s.now().UnixMilli()) {
		return nil, ErrNotFound
	}
	obj.Tier = TierObject
	return &obj, nil
}

func (s *BadgerObjectStore) Put(ctx context.Context, obj *CacheObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.serializer.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	ttl := obj.Remaining(s.now())
	if ttl <= 0 {
		return nil
	}
	// Badger TTLs have second granularity; round up so Get's own expiry
	// check stays authoritative.
	ttl = ttl.Truncate(time.Second) + time.Second
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(ObjectKey(obj.Key)), data).WithTTL(ttl))
	})
}

func (s *BadgerObjectStore) Delete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.batchSize, len(keys))
		if err := s.deleteBatch(keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerObjectStore) deleteBatch(keys []string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(ObjectKey(k))); err != nil {
			return fmt.Errorf("queue object delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush object deletes: %w", err)
	}
	return nil
}
