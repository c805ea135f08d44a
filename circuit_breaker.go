package edgeplane

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CircuitState is the state of the global breaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards an Origin. A global breaker trips after
// FailureThreshold consecutive failures and probes again after Timeout;
// per-path breakers isolate a single failing page without taking the
// whole origin offline. Transport errors and 5xx responses count as
// failures.
type CircuitBreaker struct {
	origin Origin
	logger Logger

	failureThreshold int32
	successThreshold int32
	timeout          time.Duration
	maxHalfOpenReqs  int32

	state            atomic.Int32
	failures         atomic.Int32
	successes        atomic.Int32
	lastFailureTime  atomic.Int64
	halfOpenRequests atomic.Int32

	pathMu       sync.Mutex
	pathBreakers *lru.Cache[string, *pathBreaker]
}

type pathBreaker struct {
	failures        atomic.Int32
	lastFailureTime atomic.Int64
}

var _ Origin = (*CircuitBreaker)(nil)

// NewCircuitBreaker wraps origin.
func NewCircuitBreaker(origin Origin, cfg BreakerConfig, logger Logger) (*CircuitBreaker, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	cfg.SetDefaults()
	cache, err := lru.New[string, *pathBreaker](cfg.MaxPathBreakers)
	if err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		origin:           origin,
		logger:           logger.Named("breaker"),
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		maxHalfOpenReqs:  cfg.MaxHalfOpenReqs,
		pathBreakers:     cache,
	}, nil
}

// Fetch forwards req unless the global or per-path breaker is open.
func (cb *CircuitBreaker) Fetch(ctx context.Context, req *OriginRequest) (*OriginResponse, error) {
	path := breakerPath(req.URL)

	if !cb.canExecute() || !cb.canExecutePath(path) {
		return nil, ErrCircuitOpen
	}

	if cb.State() == CircuitHalfOpen {
		current := cb.halfOpenRequests.Add(1)
		defer cb.halfOpenRequests.Add(-1)
		if current > cb.maxHalfOpenReqs {
			return nil, ErrCircuitOpen
		}
	}

	resp, err := cb.origin.Fetch(ctx, req)
	if err != nil || resp.Status >= http.StatusInternalServerError {
		cb.recordFailure(path)
	} else {
		cb.recordSuccess(path)
	}
	return resp, err
}

// State returns the global breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset closes every breaker.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(CircuitClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.halfOpenRequests.Store(0)

	cb.pathMu.Lock()
	cb.pathBreakers.Purge()
	cb.pathMu.Unlock()
}

func (cb *CircuitBreaker) canExecute() bool {
	switch cb.State() {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
				cb.successes.Store(0)
				cb.logger.Info("origin breaker half-open")
			}
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) canExecutePath(path string) bool {
	cb.pathMu.Lock()
	pb, ok := cb.pathBreakers.Peek(path)
	cb.pathMu.Unlock()
	if !ok || pb.failures.Load() < cb.failureThreshold {
		return true
	}
	if time.Since(time.Unix(0, pb.lastFailureTime.Load())) > cb.timeout {
		pb.failures.Store(0)
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordFailure(path string) {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	switch cb.State() {
	case CircuitClosed:
		if failures >= cb.failureThreshold {
			cb.state.Store(int32(CircuitOpen))
			cb.logger.Warn("origin breaker opened", Int("consecutive_failures", int(failures)))
		}
	case CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.failures.Store(0)
		cb.logger.Warn("origin breaker re-opened from half-open")
	}

	cb.pathMu.Lock()
	defer cb.pathMu.Unlock()
	pb, ok := cb.pathBreakers.Get(path)
	if !ok {
		pb = &pathBreaker{}
		cb.pathBreakers.Add(path, pb)
	}
	pb.failures.Add(1)
	pb.lastFailureTime.Store(time.Now().UnixNano())
}

func (cb *CircuitBreaker) recordSuccess(path string) {
	cb.pathMu.Lock()
	if pb, ok := cb.pathBreakers.Peek(path); ok {
		pb.failures.Store(0)
	}
	cb.pathMu.Unlock()

	switch cb.State() {
	case CircuitHalfOpen:
		if cb.successes.Add(1) >= cb.successThreshold {
			cb.state.Store(int32(CircuitClosed))
			cb.failures.Store(0)
			cb.successes.Store(0)
			cb.logger.Info("origin breaker closed")
		}
	case CircuitClosed:
		cb.failures.Store(0)
	}
}

func breakerPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host + u.Path
}
