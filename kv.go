package edgeplane

import (
	"context"
	"time"
)

// KVStore is the key-value capability shared by the signature guard (nonce
// namespace), the idempotency store and the tag index.
//
// Contract:
//   - Get returns ErrNotFound for missing or expired keys.
//   - A ttl of zero means the key never expires.
//   - SetNX is atomic: exactly one concurrent caller observes true.
//   - Update is an atomic read-modify-write of a single key. fn receives nil
//     when the key is absent; returning nil deletes the key.
//   - Delete is idempotent.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// UpdateFunc computes the next value of a key from its current value.
type UpdateFunc func(current []byte) ([]byte, error)

// Key namespaces.
const (
	nonceKeyPrefix       = "nonce:"
	idempotencyKeyPrefix = "idempotency:"
	tagKeyPrefix         = "tag:"
	keyTagsPrefix        = "keytags:"
	blobKeyPrefix        = "blob/"
)
