package edgeplane

// The router serves cacheable GET/HEAD traffic through three tiers:
//
//   - edge: in-process expirable LRU, answered without I/O.
//   - object: Badger-backed store, backfills the edge on hit.
//   - origin: fetched through the circuit breaker; one fetch per key at a
//     time, enforced by singleflight.DoChan.
//
// Edge hits older than RevalidateAfter schedule a background revalidation.
// Revalidations run detached from the request, are bounded by a timeout and
// a concurrency cap, and only overwrite the tiers on a cacheable success.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Values of the X-Edge-Cache response header.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Response headers set by the router.
const (
	HeaderEdgeCache = "X-Edge-Cache"
	HeaderEdgeTier  = "X-Edge-Tier"
)

// ServeRequest is a request for a resource behind the edge.
type ServeRequest struct {
	Method string
	URL    string // absolute
	Header http.Header
	Body   []byte
}

// ServeResult is what the edge answers with.
type ServeResult struct {
	Status int
	Header http.Header
	Body   []byte
	Cache  string
	Tier   string
}

// RouterOption configures a TieredCacheRouter.
type RouterOption func(*TieredCacheRouter)

// WithMetrics sets the metrics sink.
func WithMetrics(m CacheMetrics) RouterOption {
	return func(r *TieredCacheRouter) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the time source used for object ages and expiry.
func WithClock(now func() time.Time) RouterOption {
	return func(r *TieredCacheRouter) {
		if now != nil {
			r.now = now
		}
	}
}

// TieredCacheRouter is safe for concurrent use.
type TieredCacheRouter struct {
	sfg        singleflight.Group
	edge       *EdgeTier
	objects    ObjectStore
	tags       *TagIndex
	origin     Origin
	policy     *CachePolicy
	normalizer *KeyNormalizer
	metrics    CacheMetrics
	logger     Logger
	now        func() time.Time

	fetchTimeout         time.Duration
	purgeBatchSize       int
	revalidateAfter      time.Duration
	revalidateTimeout    time.Duration
	maxRevalidations     int
	currentRevalidations atomic.Int32
	revalidationTracker  *RevalidationTracker

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownOnce   sync.Once
}

// NewTieredCacheRouter wires the tiers together. cfg is expected to have
// been through SetDefaults.
func NewTieredCacheRouter(
	cfg CacheConfig,
	edge *EdgeTier,
	objects ObjectStore,
	tags *TagIndex,
	origin Origin,
	logger Logger,
	opts ...RouterOption,
) (*TieredCacheRouter, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if edge == nil || objects == nil || tags == nil || origin == nil {
		return nil, errors.New("router needs edge, object store, tag index and origin")
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	r := &TieredCacheRouter{
		edge:                edge,
		objects:             objects,
		tags:                tags,
		origin:              origin,
		policy:              NewCachePolicy(cfg),
		normalizer:          NewKeyNormalizer(cfg.TrackingParams),
		metrics:             &NoOpMetrics{},
		logger:              logger.Named("router"),
		now:                 time.Now,
		fetchTimeout:        cfg.OriginTimeout,
		purgeBatchSize:      cfg.PurgeBatchSize,
		revalidateAfter:     cfg.RevalidateAfter,
		revalidateTimeout:   cfg.RevalidateTimeout,
		maxRevalidations:    cfg.MaxConcurrentRevalidation,
		revalidationTracker: NewRevalidationTracker(4 * cfg.RevalidateTimeout),
		shutdownCtx:         shutdownCtx,
		shutdownCancel:      shutdownCancel,
	}
	for _, o := range opts {
		o(r)
	}
	if r.purgeBatchSize <= 0 {
		r.purgeBatchSize = 100
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 10 * time.Second
	}
	return r, nil
}

// Normalizer exposes the key normalizer used for cache keys.
func (r *TieredCacheRouter) Normalizer() *KeyNormalizer { return r.normalizer }

// Serve answers req from the first tier that has it.
func (r *TieredCacheRouter) Serve(ctx context.Context, req *ServeRequest) (*ServeResult, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ValidationError("url_invalid", "URL %q must be absolute", req.URL)
	}

	if reason, ok := r.policy.Bypass(req.Method, u, req.Header); ok {
		r.metrics.RecordBypass()
		r.logger.Debug("cache bypass", String("url", req.URL), String("reason", reason))
		resp, err := r.origin.Fetch(ctx, &OriginRequest{
			Method: req.Method,
			URL:    req.URL,
			Header: req.Header,
			Body:   req.Body,
		})
		if err != nil {
			r.metrics.RecordError("origin", err)
			return nil, originError(err)
		}
		return originResult(resp, CacheBypass), nil
	}

	key := r.normalizer.NormalizeURL(u)

	if obj, ok := r.edge.Get(key); ok {
		r.metrics.RecordHit(TierEdge)
		if obj.Age(r.now()) >= r.revalidateAfter {
			r.tryAsyncRevalidate(key)
		}
		return r.objectResult(obj, CacheHit), nil
	}

	obj, err := r.objects.Get(ctx, key)
	switch {
	case err == nil:
		r.metrics.RecordHit(TierObject)
		r.edge.Put(obj)
		return r.objectResult(obj, CacheHit), nil
	case !errors.Is(err, ErrNotFound):
		r.metrics.RecordError("store", err)
		r.logger.Warn("object tier read failed, falling through to origin", String("key", key), Err(err))
	}

	r.metrics.RecordMiss()
	res, err := r.fill(ctx, key, pickHeaders(req.Header, forwardedHeaders))
	if err != nil {
		return nil, err
	}
	if res.obj != nil {
		return r.objectResult(res.obj.CloneWithTier(TierOrigin), CacheMiss), nil
	}
	return originResult(res.resp, CacheMiss), nil
}

type fillResult struct {
	resp *OriginResponse
	obj  *CacheObject // nil when the response was not cacheable
}

// fill fetches key from the origin, coalescing concurrent callers. The fetch
// itself is rooted in the router's lifetime so one caller giving up does not
// fail the others sharing it.
func (r *TieredCacheRouter) fill(ctx context.Context, key string, header http.Header) (*fillResult, error) {
	resCh := r.sfg.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(r.shutdownCtx, r.fetchTimeout)
		defer cancel()
		return r.fetchAndStore(fetchCtx, key, header)
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, originError(res.Err)
		}
		return res.Val.(*fillResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *TieredCacheRouter) fetchAndStore(ctx context.Context, key string, header http.Header) (res *fillResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("origin fetch panic: %v", p)
			r.logger.Error("origin fetch panicked", String("key", key), Any("panic", p))
		}
	}()

	start := time.Now()
	resp, err := r.origin.Fetch(ctx, &OriginRequest{Method: http.MethodGet, URL: key, Header: header})
	r.metrics.RecordLatency("origin", time.Since(start))
	if err != nil {
		r.metrics.RecordError("origin", err)
		return nil, err
	}

	ttl := r.policy.TTL(resp)
	if ttl <= 0 {
		return &fillResult{resp: resp}, nil
	}

	obj := &CacheObject{
		Key:         key,
		Status:      resp.Status,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      pickHeaders(resp.Header, storedHeaders),
		Body:        resp.Body,
		Tags:        ParseTags(resp.Header.Values(HeaderCacheTags)),
		TTLSeconds:  int64(ttl / time.Second),
		CreatedAt:   r.now().UnixMilli(),
		Tier:        TierOrigin,
	}
	if err := r.store(ctx, obj); err != nil {
		r.metrics.RecordError("store", err)
		r.logger.Warn("failed to persist cache object", String("key", key), Err(err))
	}
	return &fillResult{resp: resp, obj: obj}, nil
}

// store writes obj to both tiers and reconciles the tag index: tags the
// previous version carried but obj does not are detached first, then obj's
// tags are registered once the object is durable. The previous tag set comes
// from the key's forward record, which outlives an expired object.
func (r *TieredCacheRouter) store(ctx context.Context, obj *CacheObject) error {
	prev, err := r.tags.KeyTags(ctx, obj.Key)
	if err != nil {
		return err
	}
	for _, tag := range prev {
		if obj.HasTag(tag) {
			continue
		}
		if err := r.tags.Remove(ctx, tag, obj.Key); err != nil {
			return err
		}
	}
	if err := r.tags.SetKeyTags(ctx, obj.Key, obj.Tags); err != nil {
		return err
	}

	if err := r.objects.Put(ctx, obj); err != nil {
		return err
	}
	r.edge.Put(obj)

	for _, tag := range obj.Tags {
		if err := r.tags.Add(ctx, tag, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// tryAsyncRevalidate refreshes key in the background unless a revalidation
// for it is already running or the concurrency cap is reached. Failures are
// logged and counted, never returned.
func (r *TieredCacheRouter) tryAsyncRevalidate(key string) {
	if r.shutdownCtx.Err() != nil {
		return
	}
	if !r.revalidationTracker.TrySet(key) {
		return
	}
	n := r.currentRevalidations.Add(1)
	if int(n) > r.maxRevalidations {
		r.currentRevalidations.Add(-1)
		r.revalidationTracker.Delete(key)
		r.logger.Debug("skip revalidation - concurrency cap", String("key", key), Int("max", r.maxRevalidations))
		return
	}

	go func() {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("panic in background revalidation", String("key", key), Any("panic", p))
				r.metrics.RecordError("revalidate", fmt.Errorf("panic: %v", p))
			}
			r.revalidationTracker.Delete(key)
			r.currentRevalidations.Add(-1)
		}()

		ctx, cancel := context.WithTimeout(r.shutdownCtx, r.revalidateTimeout)
		defer cancel()

		resCh := r.sfg.DoChan(key, func() (any, error) {
			return r.fetchAndStore(ctx, key, nil)
		})

		select {
		case res := <-resCh:
			switch {
			case res.Err != nil:
				r.logger.Warn("background revalidation failed", String("key", key), Err(res.Err))
				r.metrics.RecordError("revalidate", res.Err)
			case res.Val.(*fillResult).obj == nil:
				r.logger.Debug("revalidation response not cacheable, keeping cached copy",
					String("key", key), Int("status", res.Val.(*fillResult).resp.Status))
			default:
				r.logger.Debug("revalidated", String("key", key), Duration("duration", time.Since(start)))
			}
		case <-ctx.Done():
			r.logger.Warn("background revalidation timeout/cancelled", String("key", key), Err(ctx.Err()))
			r.metrics.RecordError("revalidate", ctx.Err())
		}
	}()
}

// PurgeByTag removes every object carrying tag from both tiers and drops the
// tag's index entry. Purged keys are also detached from the other tags they
// carried. It returns the number of keys the tag listed; purging an unknown
// or already purged tag returns 0.
func (r *TieredCacheRouter) PurgeByTag(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, ValidationError("tag_required", "tag must not be empty")
	}
	keys, err := r.tags.Get(ctx, tag)
	if err != nil {
		return 0, InternalError(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if _, err := r.purgeKeys(ctx, keys, tag); err != nil {
		return 0, err
	}
	if err := r.tags.Delete(ctx, tag); err != nil {
		return 0, InternalError(fmt.Errorf("drop tag %q: %w", tag, err))
	}

	r.metrics.RecordPurge("tag", len(keys))
	r.logger.Info("purged tag", String("tag", tag), Int("objects", len(keys)))
	return len(keys), nil
}

// PurgeURLs removes the given URLs from both tiers and the tag index. It
// returns how many of them were cached.
func (r *TieredCacheRouter) PurgeURLs(ctx context.Context, urls []string) (int, error) {
	keys := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		key, err := r.normalizer.Normalize(raw)
		if err != nil {
			return 0, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	found, err := r.purgeKeys(ctx, keys, "")
	if err != nil {
		return 0, err
	}
	r.metrics.RecordPurge("url", found)
	r.logger.Info("purged urls", Int("requested", len(keys)), Int("objects", found))
	return found, nil
}

// purgeKeys deletes keys in batches of purgeBatchSize, detaching each from
// every tag it carries other than skipTag. It returns how many keys were
// present in either tier.
func (r *TieredCacheRouter) purgeKeys(ctx context.Context, keys []string, skipTag string) (int, error) {
	var (
		mu     sync.Mutex
		detach = make(map[string][]string)
		found  atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(keys); start += r.purgeBatchSize {
		batch := keys[start:min(start+r.purgeBatchSize, len(keys))]
		g.Go(func() error {
			for _, key := range batch {
				tags, err := r.tags.KeyTags(gctx, key)
				if err != nil {
					return err
				}
				present := false
				if obj, err := r.objects.Get(gctx, key); err == nil {
					tags, present = mergeTags(tags, obj.Tags), true
				} else if !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("read %s: %w", key, err)
				}
				if obj, ok := r.edge.Get(key); ok {
					tags, present = mergeTags(tags, obj.Tags), true
				}
				if present {
					found.Add(1)
				}
				mu.Lock()
				for _, t := range tags {
					if t != skipTag {
						detach[t] = append(detach[t], key)
					}
				}
				mu.Unlock()
			}
			if err := r.objects.Delete(gctx, batch); err != nil {
				return err
			}
			if err := r.tags.ForgetKeys(gctx, batch...); err != nil {
				return err
			}
			resolvable := make([]string, 0, len(batch))
			for _, key := range batch {
				if isResolvableURL(key) {
					resolvable = append(resolvable, key)
				}
			}
			r.edge.Delete(resolvable...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, InternalError(fmt.Errorf("purge objects: %w", err))
	}

	for tag, ks := range detach {
		if err := r.tags.RemoveKeys(ctx, tag, ks); err != nil {
			return 0, InternalError(err)
		}
	}
	return int(found.Load()), nil
}

func mergeTags(into, more []string) []string {
	for _, t := range more {
		if !slices.Contains(into, t) {
			into = append(into, t)
		}
	}
	return into
}

// PreloadURL force-fetches raw and stores it when cacheable. It reports
// whether the response was stored.
func (r *TieredCacheRouter) PreloadURL(ctx context.Context, raw string) (bool, error) {
	key, err := r.normalizer.Normalize(raw)
	if err != nil {
		return false, err
	}
	res, err := r.fill(ctx, key, nil)
	if err != nil {
		return false, err
	}
	return res.obj != nil, nil
}

// Preload warms urls with at most workers concurrent origin fetches and
// returns how many were stored. The first failure cancels the rest.
func (r *TieredCacheRouter) Preload(ctx context.Context, urls []string, workers int) (int, error) {
	if workers <= 0 {
		workers = 1
	}
	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, raw := range urls {
		g.Go(func() error {
			ok, err := r.PreloadURL(gctx, raw)
			if err != nil {
				return fmt.Errorf("preload %s: %w", raw, err)
			}
			if ok {
				stored.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(stored.Load()), err
}

// Shutdown cancels background revalidations and waits briefly for them.
func (r *TieredCacheRouter) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down router")
		r.shutdownCancel()

		timeout := time.NewTimer(5 * time.Second)
		defer timeout.Stop()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-timeout.C:
				if n := r.currentRevalidations.Load(); n > 0 {
					r.logger.Warn("shutdown timeout with revalidations still running", Int("remaining", int(n)))
				}
				r.revalidationTracker.Stop()
				return
			case <-ticker.C:
				if r.currentRevalidations.Load() == 0 {
					r.revalidationTracker.Stop()
					return
				}
			}
		}
	})
}

func (r *TieredCacheRouter) objectResult(obj *CacheObject, cache string) *ServeResult {
	h := obj.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if obj.ContentType != "" {
		h.Set("Content-Type", obj.ContentType)
	}
	age := obj.Age(r.now())
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
	h.Set(HeaderEdgeCache, cache)
	h.Set(HeaderEdgeTier, obj.Tier)
	return &ServeResult{Status: obj.Status, Header: h, Body: obj.Body, Cache: cache, Tier: obj.Tier}
}

func originResult(resp *OriginResponse, cache string) *ServeResult {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderEdgeCache, cache)
	h.Set(HeaderEdgeTier, TierOrigin)
	return &ServeResult{Status: resp.Status, Header: h, Body: resp.Body, Cache: cache, Tier: TierOrigin}
}

func originError(err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, ErrCircuitOpen):
		return UnavailableError("origin_unavailable", err)
	default:
		return UnavailableError("origin_error", err)
	}
}
