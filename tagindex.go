package edgeplane

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// TagIndex is the inverted index tag -> object keys, stored in the KV
// namespace tag:<tag> as a sorted JSON array. Every edit is an atomic
// read-modify-write and an entry whose last key is removed is deleted.
//
// The forward record keytags:<key> holds the tags a key was last registered
// under. It carries no TTL, so it survives the object's expiry and later
// fills or purges can still detach the key from tags it no longer has.
type TagIndex struct {
	kv     KVStore
	logger Logger
}

// NewTagIndex builds an index over kv.
func NewTagIndex(kv KVStore, logger Logger) (*TagIndex, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if kv == nil {
		return nil, InternalError(errNilKV)
	}
	return &TagIndex{kv: kv, logger: logger.Named("tagindex")}, nil
}

// Get returns the keys indexed under tag, or an empty slice.
func (t *TagIndex) Get(ctx context.Context, tag string) ([]string, error) {
	raw, err := t.kv.Get(ctx, tagKeyPrefix+tag)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tag %q: %w", tag, err)
	}
	return decodeKeySet(raw)
}

// Add registers key under tag.
func (t *TagIndex) Add(ctx context.Context, tag, key string) error {
	return t.edit(ctx, tag, func(keys []string) []string {
		i, found := slices.BinarySearch(keys, key)
		if found {
			return keys
		}
		return slices.Insert(keys, i, key)
	})
}

// Remove unregisters key from tag, deleting the entry when it empties.
func (t *TagIndex) Remove(ctx context.Context, tag, key string) error {
	return t.edit(ctx, tag, func(keys []string) []string {
		i, found := slices.BinarySearch(keys, key)
		if !found {
			return keys
		}
		return slices.Delete(keys, i, i+1)
	})
}

// RemoveKeys unregisters several keys from tag in one update.
func (t *TagIndex) RemoveKeys(ctx context.Context, tag string, remove []string) error {
	drop := make(map[string]struct{}, len(remove))
	for _, k := range remove {
		drop[k] = struct{}{}
	}
	return t.edit(ctx, tag, func(keys []string) []string {
		return slices.DeleteFunc(keys, func(k string) bool {
			_, ok := drop[k]
			return ok
		})
	})
}

// Delete drops the whole entry for tag.
func (t *TagIndex) Delete(ctx context.Context, tag string) error {
	return t.kv.Delete(ctx, tagKeyPrefix+tag)
}

// KeyTags returns the tags key was last registered under, or an empty slice.
func (t *TagIndex) KeyTags(ctx context.Context, key string) ([]string, error) {
	raw, err := t.kv.Get(ctx, keyTagsPrefix+key)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tags of %q: %w", key, err)
	}
	return decodeKeySet(raw)
}

// SetKeyTags replaces the forward record of key. An empty set deletes it.
func (t *TagIndex) SetKeyTags(ctx context.Context, key string, tags []string) error {
	if len(tags) == 0 {
		return t.kv.Delete(ctx, keyTagsPrefix+key)
	}
	set := slices.Clone(tags)
	slices.Sort(set)
	raw, err := jsonFast.Marshal(slices.Compact(set))
	if err != nil {
		return err
	}
	if err := t.kv.Set(ctx, keyTagsPrefix+key, raw, 0); err != nil {
		return fmt.Errorf("write tags of %q: %w", key, err)
	}
	return nil
}

// ForgetKeys drops the forward records of keys.
func (t *TagIndex) ForgetKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	records := make([]string, len(keys))
	for i, k := range keys {
		records[i] = keyTagsPrefix + k
	}
	return t.kv.Delete(ctx, records...)
}

func (t *TagIndex) edit(ctx context.Context, tag string, fn func(keys []string) []string) error {
	err := t.kv.Update(ctx, tagKeyPrefix+tag, 0, func(current []byte) ([]byte, error) {
		var keys []string
		if current != nil {
			var err error
			if keys, err = decodeKeySet(current); err != nil {
				return nil, err
			}
		}
		keys = fn(keys)
		if len(keys) == 0 {
			return nil, nil
		}
		return jsonFast.Marshal(keys)
	})
	if err != nil {
		return fmt.Errorf("update tag %q: %w", tag, err)
	}
	return nil
}

func decodeKeySet(raw []byte) ([]string, error) {
	var keys []string
	if err := jsonFast.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode tag entry: %w", err)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}
