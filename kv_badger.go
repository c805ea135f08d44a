package edgeplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerConfig configures the embedded Badger database backing both the KV
// namespaces and the object-store tier.
//
// The defaults favour small control-plane values (nonces, tag lists) and
// HTML/JSON bodies of a few KB to a few hundred KB:
//   - conflict detection is on, Update relies on it for atomic tag edits
//   - ZSTD compression on SSTs, bodies are text and compress well
//   - modest memtables, the working set is far smaller than a DNS cache
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	ValueDir string `mapstructure:"value_dir"`
	InMemory bool   `mapstructure:"in_memory"`

	SyncWrites         bool                    `mapstructure:"sync_writes"`
	Compression        options.CompressionType `mapstructure:"compression"`
	ZSTDCompressionLvl int                     `mapstructure:"zstd_level"`

	ValueThreshold   int   `mapstructure:"value_threshold"`
	MemTableSize     int64 `mapstructure:"memtable_size"`
	BlockCacheSize   int64 `mapstructure:"block_cache_size"`
	IndexCacheSize   int64 `mapstructure:"index_cache_size"`
	NumCompactors    int   `mapstructure:"num_compactors"`
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	GCInterval     time.Duration `mapstructure:"gc_interval"`
	GCDiscardRatio float64       `mapstructure:"gc_discard_ratio"`

	// MaxTxnRetries bounds retries of Update/SetNX on transaction conflicts.
	MaxTxnRetries int `mapstructure:"max_txn_retries"`

	Logger badger.Logger `mapstructure:"-"`
}

// DefaultBadgerConfig returns the production defaults for dir.
func DefaultBadgerConfig(dir string) BadgerConfig {
	c := BadgerConfig{Dir: dir}
	c.SetDefaults()
	return c
}

// InMemoryBadgerConfig returns a configuration for tests and ephemeral nodes.
func InMemoryBadgerConfig() BadgerConfig {
	c := BadgerConfig{InMemory: true}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero fields.
func (c *BadgerConfig) SetDefaults() {
	if c.ValueDir == "" {
		c.ValueDir = c.Dir
	}
	if c.Compression == 0 {
		c.Compression = options.ZSTD
	}
	if c.ZSTDCompressionLvl == 0 {
		c.ZSTDCompressionLvl = 1
	}
	if c.ValueThreshold == 0 {
		c.ValueThreshold = 1 << 10
	}
	if c.MemTableSize == 0 {
		c.MemTableSize = 64 << 20
	}
	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = 32 << 20
	}
	if c.NumCompactors == 0 {
		c.NumCompactors = max(2, runtime.GOMAXPROCS(0)/2)
	}
	if c.ValueLogFileSize == 0 {
		c.ValueLogFileSize = 256 << 20
	}
	if c.GCInterval == 0 {
		c.GCInterval = 10 * time.Minute
	}
	if c.GCDiscardRatio == 0 {
		c.GCDiscardRatio = 0.5
	}
	if c.MaxTxnRetries == 0 {
		c.MaxTxnRetries = 16
	}
}

// BadgerKV implements KVStore on Badger. TTLs map onto Badger entry TTLs so
// expired nonces and idempotency records disappear without a sweeper.
type BadgerKV struct {
	db             *badger.DB
	logger         Logger
	maxRetries     int
	gcInterval     time.Duration
	gcDiscardRatio float64
	inMemory       bool

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
	doneCh    chan struct{}
}

var _ KVStore = (*BadgerKV)(nil)

// OpenBadgerKV opens (or creates) the database described by cfg. Open is
// blocking and may replay the value log, so it honours ctx.
func OpenBadgerKV(ctx context.Context, cfg BadgerConfig, logger Logger) (*BadgerKV, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	cfg.SetDefaults()

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir).
			WithValueDir(cfg.ValueDir).
			WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithCompression(cfg.Compression).
		WithZSTDCompressionLevel(cfg.ZSTDCompressionLvl).
		WithDetectConflicts(true).
		WithValueThreshold(int64(cfg.ValueThreshold)).
		WithMemTableSize(cfg.MemTableSize).
		WithBlockCacheSize(cfg.BlockCacheSize).
		WithIndexCacheSize(cfg.IndexCacheSize).
		WithNumCompactors(cfg.NumCompactors)
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	} else {
		opts = opts.WithLogger(badgerLogger{logger.Named("badger.db")})
	}

	type openResult struct {
		db  *badger.DB
		err error
	}
	resCh := make(chan openResult, 1)
	go func() {
		db, err := badger.Open(opts)
		resCh <- openResult{db: db, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.db != nil {
				_ = r.db.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, fmt.Errorf("open badger: %w", r.err)
		}
		kv := &BadgerKV{
			db:             r.db,
			logger:         logger.Named("badger"),
			maxRetries:     cfg.MaxTxnRetries,
			gcInterval:     cfg.GCInterval,
			gcDiscardRatio: cfg.GCDiscardRatio,
			inMemory:       cfg.InMemory,
			doneCh:         make(chan struct{}),
		}
		if !cfg.InMemory {
			kv.wg.Add(1)
			go kv.runValueLogGC()
		}
		return kv, nil
	}
}

// DB exposes the underlying database so the object-store tier can share it.
func (b *BadgerKV) DB() *badger.DB { return b.db }

func (b *BadgerKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *BadgerKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

// SetNX writes key only if it is absent. Two transactions that both read
// the key as missing conflict at commit; the loser retries, sees the key
// and reports false.
func (b *BadgerKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}
	var created bool
	err := b.retry(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		created = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (b *BadgerKV) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	return b.retry(ctx, func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			if current == nil {
				return nil
			}
			return txn.Delete([]byte(key))
		}
		if bytes.Equal(next, current) {
			return nil
		}
		return txn.SetEntry(newEntry(key, next, ttl))
	})
}

func (b *BadgerKV) Delete(ctx context.Context, keys ...string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerKV) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.doneCh)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

func (b *BadgerKV) check(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// retry runs fn in a read-write transaction and retries on ErrConflict.
func (b *BadgerKV) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	b.logger.Warn("badger transaction retries exhausted", Int("attempts", b.maxRetries), Err(err))
	return fmt.Errorf("badger txn: %w", err)
}

// badgerLogger routes Badger's printf-style logging through Logger. Info
// output is demoted to debug; Badger is chatty during compactions.
type badgerLogger struct{ l Logger }

func (b badgerLogger) Errorf(f string, args ...interface{})   { b.l.Error(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Infof(f string, args ...interface{})    { b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Debugf(f string, args ...interface{})   { b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, args...))) }

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// runValueLogGC reclaims value-log space until Badger reports nothing to
// rewrite, backing off after repeated failures.
func (b *BadgerKV) runValueLogGC() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			for attempt := 0; attempt < 3; attempt++ {
				err := b.db.RunValueLogGC(b.gcDiscardRatio)
				if err == nil {
					failures = 0
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					failures++
					b.logger.Debug("value log gc failed", Int("consecutive_failures", failures), Err(err))
					if failures > 3 {
						select {
						case <-time.After(min(time.Duration(failures)*time.Second, 30*time.Second)):
						case <-b.doneCh:
							return
						}
					}
				}
				break
			}
		case <-b.doneCh:
			return
		}
	}
}
