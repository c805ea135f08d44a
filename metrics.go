package edgeplane

import (
	"time"
)

// CacheMetrics receives events from the cache router, queue and scheduler.
// Implementations must be cheap and non-blocking; they run on the request
// path. Keys are never used as metric labels, only tiers and outcomes.
type CacheMetrics interface {
	// RecordHit tracks a served hit. tier is "edge" or "object".
	RecordHit(tier string)

	// RecordMiss tracks a request that went to the origin.
	RecordMiss()

	// RecordBypass tracks a request that skipped the cache.
	RecordBypass()

	// RecordError tracks a failure in operation ("origin", "store", "revalidate", ...).
	RecordError(operation string, err error)

	// RecordLatency tracks an origin fetch duration.
	RecordLatency(operation string, d time.Duration)

	// RecordPurge tracks objects removed by a purge.
	RecordPurge(kind string, objects int)

	// RecordQueue tracks dispatcher outcomes ("enqueued", "processed", "retried", "dropped", ...).
	RecordQueue(outcome string, n int)
}

// NoOpMetrics discards every event.
type NoOpMetrics struct{}

func (m *NoOpMetrics) RecordHit(tier string)                           {}
func (m *NoOpMetrics) RecordMiss()                                     {}
func (m *NoOpMetrics) RecordBypass()                                   {}
func (m *NoOpMetrics) RecordError(operation string, err error)         {}
func (m *NoOpMetrics) RecordLatency(operation string, d time.Duration) {}
func (m *NoOpMetrics) RecordPurge(kind string, objects int)            {}
func (m *NoOpMetrics) RecordQueue(outcome string, n int)               {}
