package edgeplane

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Work item kinds.
const (
	WorkPurgeTag   = "purge_tag"
	WorkPurgeURL   = "purge_url"
	WorkPreloadURL = "preload_url"
)

// WorkItem is one unit of asynchronous cache work. Attempts counts failed
// executions so far.
type WorkItem struct {
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Attempts int    `json:"attempts,omitempty"`
}

// CacheWorker executes queued work. *TieredCacheRouter implements it.
type CacheWorker interface {
	PurgeByTag(ctx context.Context, tag string) (int, error)
	PurgeURLs(ctx context.Context, urls []string) (int, error)
	PreloadURL(ctx context.Context, raw string) (bool, error)
}

// QueueDispatcher batches purge and preload work. Delivery is at least
// once: a failed item is redelivered with exponential backoff until it
// succeeds or runs out of attempts, so every action must be idempotent.
type QueueDispatcher struct {
	worker  CacheWorker
	cfg     QueueConfig
	logger  Logger
	metrics CacheMetrics

	items  chan WorkItem
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]WorkItem
}

// NewQueueDispatcher creates a stopped dispatcher. metrics may be nil.
func NewQueueDispatcher(worker CacheWorker, cfg QueueConfig, logger Logger, metrics CacheMetrics) (*QueueDispatcher, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.PreloadWorkers <= 0 {
		cfg.PreloadWorkers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueDispatcher{
		worker:  worker,
		cfg:     cfg,
		logger:  logger.Named("queue"),
		metrics: metrics,
		items:   make(chan WorkItem, cfg.Capacity),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		timers:  make(map[*time.Timer]WorkItem),
	}, nil
}

// Start launches the consumer loop. Calling it twice is a no-op.
func (q *QueueDispatcher) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Enqueue adds items without blocking. When the buffer is full the
// remaining items are rejected with queue_full; details.accepted says how
// many made it in.
func (q *QueueDispatcher) Enqueue(items ...WorkItem) error {
	for i := range items {
		items[i].Value = strings.TrimSpace(items[i].Value)
		switch items[i].Kind {
		case WorkPurgeTag, WorkPurgeURL, WorkPreloadURL:
		default:
			return ValidationError("work_kind_invalid", "unknown work kind %q", items[i].Kind)
		}
		if items[i].Value == "" {
			return ValidationError("work_value_required", "work item %d has no value", i)
		}
	}

	// Sends stay under mu: every accepted item is buffered before Stop can
	// close the intake.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrClosed
	}

	for i, it := range items {
		select {
		case q.items <- it:
		default:
			q.metrics.RecordQueue("rejected", len(items)-i)
			return ConflictError("queue_full", "work queue is full").
				WithDetails(map[string]any{"accepted": i, "capacity": q.cfg.Capacity})
		}
	}
	q.metrics.RecordQueue("enqueued", len(items))
	return nil
}

// Len returns the number of buffered items.
func (q *QueueDispatcher) Len() int { return len(q.items) }

// Stop stops accepting work, processes what is buffered, and cancels any
// pending redeliveries. It returns ctx.Err() if draining outlives ctx.
func (q *QueueDispatcher) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	for t, it := range q.timers {
		if t.Stop() {
			q.logger.Warn("redelivery cancelled by shutdown", String("kind", it.Kind), String("value", it.Value))
			q.metrics.RecordQueue("dropped", 1)
		}
		delete(q.timers, t)
	}
	q.mu.Unlock()

	close(q.stopCh)
	if !started {
		q.cancel()
		close(q.doneCh)
		return nil
	}
	select {
	case <-q.doneCh:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.doneCh
		return ctx.Err()
	}
}

func (q *QueueDispatcher) run() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]WorkItem, 0, q.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.process(batch)
		batch = make([]WorkItem, 0, q.cfg.BatchSize)
	}

	for {
		select {
		case it := <-q.items:
			batch = append(batch, it)
			if len(batch) >= q.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-q.stopCh:
		drain:
			for {
				select {
				case it := <-q.items:
					batch = append(batch, it)
					if len(batch) >= q.cfg.BatchSize {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

// process runs one batch: duplicate (kind, value) pairs collapse, purges
// run before preloads so a rebuild never re-warms content it is about to
// drop.
func (q *QueueDispatcher) process(batch []WorkItem) {
	start := time.Now()
	seen := make(map[WorkItem]struct{}, len(batch))
	var tags, purgeURLs, preloads []WorkItem
	for _, it := range batch {
		id := WorkItem{Kind: it.Kind, Value: it.Value}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		switch it.Kind {
		case WorkPurgeTag:
			tags = append(tags, it)
		case WorkPurgeURL:
			purgeURLs = append(purgeURLs, it)
		case WorkPreloadURL:
			preloads = append(preloads, it)
		}
	}
	if dups := len(batch) - len(seen); dups > 0 {
		q.metrics.RecordQueue("deduplicated", dups)
	}

	ctx := q.ctx
	for _, it := range tags {
		if _, err := q.worker.PurgeByTag(ctx, it.Value); err != nil {
			q.retry(it, err)
			continue
		}
		q.metrics.RecordQueue("processed", 1)
	}

	for _, it := range purgeURLs {
		if _, err := q.worker.PurgeURLs(ctx, []string{it.Value}); err != nil {
			q.retry(it, err)
			continue
		}
		q.metrics.RecordQueue("processed", 1)
	}

	if len(preloads) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(q.cfg.PreloadWorkers)
		for _, it := range preloads {
			g.Go(func() error {
				if _, err := q.worker.PreloadURL(gctx, it.Value); err != nil {
					q.retry(it, err)
					return nil
				}
				q.metrics.RecordQueue("processed", 1)
				return nil
			})
		}
		g.Wait() //nolint:errcheck
	}

	q.metrics.RecordLatency("queue_batch", time.Since(start))
	q.logger.Debug("queue batch processed",
		Int("items", len(batch)), Int("unique", len(seen)), Duration("elapsed", time.Since(start)))
}

func (q *QueueDispatcher) retry(it WorkItem, err error) {
	it.Attempts++
	if KindOf(err) == KindValidation {
		q.logger.Error("work item rejected", String("kind", it.Kind), String("value", it.Value), Err(err))
		q.metrics.RecordQueue("dropped", 1)
		return
	}
	if it.Attempts >= q.cfg.MaxAttempts {
		q.logger.Error("work item dropped after retries",
			String("kind", it.Kind), String("value", it.Value), Int("attempts", it.Attempts), Err(err))
		q.metrics.RecordQueue("dropped", 1)
		return
	}

	delay := q.backoff(it.Attempts)
	q.logger.Warn("work item failed, scheduling redelivery",
		String("kind", it.Kind), String("value", it.Value), Int("attempts", it.Attempts),
		Duration("delay", delay), Err(err))
	q.metrics.RecordQueue("retried", 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.logger.Warn("redelivery skipped, queue stopped", String("kind", it.Kind), String("value", it.Value))
		q.metrics.RecordQueue("dropped", 1)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, ok := q.timers[t]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.timers, t)
		q.redeliver(it)
		q.mu.Unlock()
	})
	q.timers[t] = it
}

// redeliver requires q.mu.
func (q *QueueDispatcher) redeliver(it WorkItem) {
	select {
	case q.items <- it:
	default:
		q.logger.Error("redelivery dropped, queue full", String("kind", it.Kind), String("value", it.Value))
		q.metrics.RecordQueue("dropped", 1)
	}
}

// backoff returns the delay before redelivery number attempt, doubling
// from InitialBackoff up to MaxBackoff plus up to 25% jitter.
func (q *QueueDispatcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(q.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > q.cfg.MaxBackoff || delay <= 0 {
		delay = q.cfg.MaxBackoff
	}
	if quarter := int64(delay / 4); quarter > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(quarter))
	}
	return delay
}
