package edgeplane

import (
	"bytes"
	"net/http"
	"slices"
	"time"
)

// Cache tiers as reported in X-Edge-Tier.
const (
	TierEdge   = "edge"
	TierObject = "object"
	TierOrigin = "origin"
)

// CacheObject is a cached origin response.
//
// Lifecycle:
//  1. Created from a cacheable origin response with its tag set and TTL.
//  2. Served from the edge or object tier while now <= CreatedAt+TTL.
//  3. Replaced wholesale on revalidation or preload; tags are never edited
//     in place, a rewrite produces a new object with a new tag set.
type CacheObject struct {
	Key         string      `json:"key"`
	Status      int         `json:"status"`
	ContentType string      `json:"content_type"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body"`
	Tags        []string    `json:"tags"`
	TTLSeconds  int64       `json:"ttl_seconds"`
	CreatedAt   int64       `json:"created_at"` // unix ms

	// Tier is where this copy was read from; it is not persisted.
	Tier string `json:"-"`
}

// TTL returns the object's lifetime.
func (o *CacheObject) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

// ExpiresAt returns the expiry as unix milliseconds.
func (o *CacheObject) ExpiresAt() int64 {
	return o.CreatedAt + o.TTL().Milliseconds()
}

// IsExpiredAt reports whether the object is expired at nowMs.
func (o *CacheObject) IsExpiredAt(nowMs int64) bool {
	return nowMs > o.ExpiresAt()
}

// Age returns how long ago the object was fetched.
func (o *CacheObject) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(o.CreatedAt))
}

// Remaining returns the time left before expiry, never negative.
func (o *CacheObject) Remaining(now time.Time) time.Duration {
	d := time.UnixMilli(o.ExpiresAt()).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// HasTag reports whether the object carries tag.
func (o *CacheObject) HasTag(tag string) bool {
	return slices.Contains(o.Tags, tag)
}

// CloneWithTier returns an independent copy marked with tier. Callers get
// their own header map and body so tiers can share the original.
func (o *CacheObject) CloneWithTier(tier string) *CacheObject {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Tier = tier
	clone.Header = o.Header.Clone()
	clone.Body = bytes.Clone(o.Body)
	clone.Tags = slices.Clone(o.Tags)
	return &clone
}
