package edgeplane

import (
	"sync"
	"time"
)

// RevalidationTracker marks keys with an in-flight background revalidation
// so an edge hit storm on one key launches a single origin fetch. Marks
// expire after ttl, so a revalidation goroutine that never cleans up
// cannot pin a key forever.
type RevalidationTracker struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewRevalidationTracker starts a tracker and its cleanup goroutine. Pick a
// ttl a few times larger than the revalidation timeout.
func NewRevalidationTracker(ttl time.Duration) *RevalidationTracker {
	rt := &RevalidationTracker{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	rt.wg.Add(1)
	go rt.cleanup()
	return rt
}

// TrySet marks key and reports whether the caller owns the revalidation.
func (rt *RevalidationTracker) TrySet(key string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	if until, ok := rt.entries[key]; ok && now.Before(until) {
		return false
	}
	rt.entries[key] = now.Add(rt.ttl)
	return true
}

// Get reports whether key is currently marked.
func (rt *RevalidationTracker) Get(key string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	until, ok := rt.entries[key]
	return ok && time.Now().Before(until)
}

// Delete clears the mark on key.
func (rt *RevalidationTracker) Delete(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.entries, key)
}

// Size returns the number of marks, expired ones included until the next sweep.
func (rt *RevalidationTracker) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rt *RevalidationTracker) Stop() {
	rt.once.Do(func() { close(rt.stop) })
	rt.wg.Wait()
}

func (rt *RevalidationTracker) cleanup() {
	defer rt.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rt.sweep()
		case <-rt.stop:
			return
		}
	}
}

func (rt *RevalidationTracker) sweep() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	for key, until := range rt.entries {
		if now.After(until) {
			delete(rt.entries, key)
		}
	}
}
