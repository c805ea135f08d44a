package edgeplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the relational store behind profiles, the sandbox tables and
// fleet telemetry. A single connection serializes every transaction, which
// is what makes the claim and resolve transitions atomic.
type Store struct {
	db     *sql.DB
	logger Logger
}

// OpenStore opens (creating if needed) the sqlite database at path and
// applies pending migrations.
func OpenStore(ctx context.Context, path string, logger Logger) (*Store, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InternalError(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// UpsertProfile writes the profile for (site, vps), replacing any previous one.
func (s *Store) UpsertProfile(ctx context.Context, p *StrategyProfile) error {
	components, err := jsonFast.Marshal(p.ComponentScores)
	if err != nil {
		return fmt.Errorf("encode component scores: %w", err)
	}
	failures := p.HardGateFailures
	if failures == nil {
		failures = []string{}
	}
	failuresJSON, err := jsonFast.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode gate failures: %w", err)
	}
	snapshot, err := jsonFast.Marshal(p.MetricsSnapshot)
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO strategy_profiles(site_id, vps_fingerprint, strategy, ttl_seconds, score, component_scores, hard_gate_failures, metrics_snapshot, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(site_id, vps_fingerprint) DO UPDATE SET
	strategy=excluded.strategy,
	ttl_seconds=excluded.ttl_seconds,
	score=excluded.score,
	component_scores=excluded.component_scores,
	hard_gate_failures=excluded.hard_gate_failures,
	metrics_snapshot=excluded.metrics_snapshot,
	updated_at=excluded.updated_at
`, p.SiteID, p.VPSFingerprint, p.Strategy, p.TTLSeconds, p.Score, string(components), string(failuresJSON), string(snapshot), ms(p.UpdatedAt))
	if err != nil {
		return InternalError(fmt.Errorf("upsert profile: %w", err))
	}
	return nil
}

// GetProfile returns the persisted profile or a profile_not_found error.
func (s *Store) GetProfile(ctx context.Context, siteID, vps string) (*StrategyProfile, error) {
	var (
		p                              StrategyProfile
		components, failures, snapshot string
		updated                        int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT site_id, vps_fingerprint, strategy, ttl_seconds, score, component_scores, hard_gate_failures, metrics_snapshot, updated_at
FROM strategy_profiles WHERE site_id = ? AND vps_fingerprint = ?
`, siteID, vps).Scan(&p.SiteID, &p.VPSFingerprint, &p.Strategy, &p.TTLSeconds, &p.Score, &components, &failures, &snapshot, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError("profile_not_found", "no strategy profile for site %q on %q", siteID, vps)
	}
	if err != nil {
		return nil, InternalError(fmt.Errorf("read profile: %w", err))
	}
	if err := jsonFast.Unmarshal([]byte(components), &p.ComponentScores); err != nil {
		return nil, InternalError(fmt.Errorf("decode component scores: %w", err))
	}
	if err := jsonFast.Unmarshal([]byte(failures), &p.HardGateFailures); err != nil {
		return nil, InternalError(fmt.Errorf("decode gate failures: %w", err))
	}
	if err := jsonFast.Unmarshal([]byte(snapshot), &p.MetricsSnapshot); err != nil {
		return nil, InternalError(fmt.Errorf("decode metrics snapshot: %w", err))
	}
	p.UpdatedAt = fromMS(updated)
	return &p, nil
}

// InsertSamples appends fleet telemetry in one transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []LoadtestSample) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO loadtest_samples(id, site_id, worker_id, page_path, strategy, p50_ms, p95_ms, p99_ms, hit_ratio, purge_mttr_ms, hard_gate_passed, score, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return InternalError(fmt.Errorf("prepare sample insert: %w", err))
		}
		defer stmt.Close()
		for i := range samples {
			sm := &samples[i]
			if sm.ID == "" {
				sm.ID = uuid.NewString()
			}
			_, err := stmt.ExecContext(ctx, sm.ID, sm.SiteID, sm.WorkerID, sm.PagePath, sm.Strategy,
				nullableFloat(sm.P50Ms), sm.P95Ms, nullableFloat(sm.P99Ms), nullableFloat(sm.HitRatio),
				nullableFloat(sm.PurgeMTTRMs), boolToInt(sm.HardGatePassed), nullableFloat(sm.Score), ms(sm.CreatedAt))
			if err != nil {
				return InternalError(fmt.Errorf("insert sample: %w", err))
			}
		}
		return nil
	})
}

// StrategyAggregates summarizes gate-passing samples for siteID since the
// given time, one row per strategy.
func (s *Store) StrategyAggregates(ctx context.Context, siteID string, since time.Time) ([]StrategyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strategy, COUNT(*), AVG(p95_ms), AVG(hit_ratio)
FROM loadtest_samples
WHERE site_id = ? AND hard_gate_passed = 1 AND created_at >= ?
GROUP BY strategy
ORDER BY strategy
`, siteID, ms(since))
	if err != nil {
		return nil, InternalError(fmt.Errorf("aggregate samples: %w", err))
	}
	defer rows.Close()

	out := []StrategyAggregate{}
	for rows.Next() {
		var (
			agg StrategyAggregate
			hit sql.NullFloat64
		)
		if err := rows.Scan(&agg.Strategy, &agg.Samples, &agg.MeanP95Ms, &hit); err != nil {
			return nil, InternalError(fmt.Errorf("scan aggregate: %w", err))
		}
		if hit.Valid {
			v := hit.Float64
			agg.MeanHitRatio = &v
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, InternalError(fmt.Errorf("iterate aggregates: %w", err))
	}
	return out, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullableMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func stringFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
