package edgeplane

import (
	"context"
	"math"
	"strings"
	"time"
)

// LoadtestSample is one page measurement reported by a benchmark worker.
type LoadtestSample struct {
	ID             string    `json:"id"`
	SiteID         string    `json:"site_id"`
	WorkerID       string    `json:"worker_id"`
	PagePath       string    `json:"path"`
	Strategy       string    `json:"strategy"`
	P50Ms          *float64  `json:"p50_ms,omitempty"`
	P95Ms          float64   `json:"p95_ms"`
	P99Ms          *float64  `json:"p99_ms,omitempty"`
	HitRatio       *float64  `json:"hit_ratio,omitempty"`
	PurgeMTTRMs    *float64  `json:"purge_mttr_ms,omitempty"`
	HardGatePassed bool      `json:"hard_gate_passed"`
	Score          *float64  `json:"score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StrategyAggregate summarizes the gate-passing samples of one strategy.
type StrategyAggregate struct {
	Strategy     string   `json:"strategy"`
	Samples      int      `json:"samples"`
	MeanP95Ms    float64  `json:"mean_p95_ms"`
	MeanHitRatio *float64 `json:"mean_hit_ratio,omitempty"`
	Bonus        float64  `json:"bonus"`
}

// LoadtestReport is a batch of page measurements from one worker run.
type LoadtestReport struct {
	SiteID    string         `json:"site_id"`
	WorkerID  string         `json:"worker_id"`
	Strategy  string         `json:"strategy"`
	PageTests []PageLoadtest `json:"page_tests"`
}

// PageLoadtest is the per-page part of a LoadtestReport.
type PageLoadtest struct {
	Path           string   `json:"path"`
	P50Ms          *float64 `json:"p50_ms,omitempty"`
	P95Ms          *float64 `json:"p95_ms"`
	P99Ms          *float64 `json:"p99_ms,omitempty"`
	HitRatio       *float64 `json:"hit_ratio,omitempty"`
	PurgeMTTRMs    *float64 `json:"purge_mttr_ms,omitempty"`
	HardGatePassed bool     `json:"hard_gate_passed"`
	Score          *float64 `json:"score,omitempty"`
}

// SharedSummary is the fleet view of a site.
type SharedSummary struct {
	SiteID     string              `json:"site_id"`
	Lookback   string              `json:"lookback"`
	Strategies []StrategyAggregate `json:"strategies"`
}

// FleetTelemetry ingests loadtest samples and turns them into bonuses.
type FleetTelemetry struct {
	store          *Store
	lookback       time.Duration
	fullConfidence int
	maxBonus       float64
	logger         Logger
	now            func() time.Time
}

// NewFleetTelemetry builds the telemetry service from scoring settings.
func NewFleetTelemetry(store *Store, cfg ScoringConfig, logger Logger) (*FleetTelemetry, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &FleetTelemetry{
		store:          store,
		lookback:       cfg.FleetLookback,
		fullConfidence: cfg.FleetFullConfidence,
		maxBonus:       cfg.FleetMaxBonus,
		logger:         logger.Named("fleet"),
		now:            time.Now,
	}, nil
}

// Report validates and appends a worker report. It returns the number of
// samples stored.
func (f *FleetTelemetry) Report(ctx context.Context, r *LoadtestReport) (int, error) {
	r.SiteID = strings.TrimSpace(r.SiteID)
	r.WorkerID = strings.TrimSpace(r.WorkerID)
	r.Strategy = strings.TrimSpace(r.Strategy)
	switch {
	case r.SiteID == "":
		return 0, ValidationError("site_id_required", "site_id is required")
	case r.WorkerID == "":
		return 0, ValidationError("worker_id_required", "worker_id is required")
	case r.Strategy == "":
		return 0, ValidationError("strategy_required", "strategy is required")
	case len(r.PageTests) == 0:
		return 0, ValidationError("page_tests_required", "page_tests must not be empty")
	}

	now := f.now().UTC()
	samples := make([]LoadtestSample, 0, len(r.PageTests))
	for i, pt := range r.PageTests {
		if strings.TrimSpace(pt.Path) == "" {
			return 0, ValidationError("path_required", "page_tests[%d].path is required", i)
		}
		if pt.P95Ms == nil || *pt.P95Ms < 0 {
			return 0, ValidationError("p95_required", "page_tests[%d].p95_ms is required and must be >= 0", i)
		}
		for name, v := range map[string]*float64{"p50_ms": pt.P50Ms, "p99_ms": pt.P99Ms, "purge_mttr_ms": pt.PurgeMTTRMs} {
			if v != nil && *v < 0 {
				return 0, ValidationError("metric_invalid", "page_tests[%d].%s must be >= 0", i, name)
			}
		}
		if pt.HitRatio != nil && (*pt.HitRatio < 0 || *pt.HitRatio > 1) {
			return 0, ValidationError("metric_invalid", "page_tests[%d].hit_ratio must be within [0,1]", i)
		}
		samples = append(samples, LoadtestSample{
			SiteID:         r.SiteID,
			WorkerID:       r.WorkerID,
			PagePath:       pt.Path,
			Strategy:       r.Strategy,
			P50Ms:          pt.P50Ms,
			P95Ms:          *pt.P95Ms,
			P99Ms:          pt.P99Ms,
			HitRatio:       pt.HitRatio,
			PurgeMTTRMs:    pt.PurgeMTTRMs,
			HardGatePassed: pt.HardGatePassed,
			Score:          pt.Score,
			CreatedAt:      now,
		})
	}
	if err := f.store.InsertSamples(ctx, samples); err != nil {
		return 0, err
	}
	f.logger.Debug("loadtest samples stored",
		String("site_id", r.SiteID), String("strategy", r.Strategy), Int("samples", len(samples)))
	return len(samples), nil
}

// Shared returns per-strategy aggregates for siteID with the bonus each
// strategy would receive.
func (f *FleetTelemetry) Shared(ctx context.Context, siteID string) (*SharedSummary, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, ValidationError("site_id_required", "site_id is required")
	}
	aggs, err := f.aggregates(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return &SharedSummary{SiteID: siteID, Lookback: f.lookback.String(), Strategies: aggs}, nil
}

// Bonuses returns strategy -> bonus points for siteID.
func (f *FleetTelemetry) Bonuses(ctx context.Context, siteID string) (map[string]float64, error) {
	aggs, err := f.aggregates(ctx, siteID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(aggs))
	for _, a := range aggs {
		out[a.Strategy] = a.Bonus
	}
	return out, nil
}

func (f *FleetTelemetry) aggregates(ctx context.Context, siteID string) ([]StrategyAggregate, error) {
	aggs, err := f.store.StrategyAggregates(ctx, siteID, f.now().Add(-f.lookback))
	if err != nil {
		return nil, err
	}
	ApplyFleetBonus(aggs, f.maxBonus, f.fullConfidence)
	return aggs, nil
}

// ApplyFleetBonus fills Bonus on each aggregate:
//
//	bonus = maxBonus * (worst - mean) / worst * min(1, samples / fullConfidence)
//
// where worst is the highest mean p95 across the aggregates. The worst
// strategy, or any strategy when worst is 0, gets no bonus.
func ApplyFleetBonus(aggs []StrategyAggregate, maxBonus float64, fullConfidence int) {
	worst := 0.0
	for _, a := range aggs {
		worst = math.Max(worst, a.MeanP95Ms)
	}
	for i := range aggs {
		aggs[i].Bonus = 0
		if worst <= 0 || aggs[i].Samples <= 0 {
			continue
		}
		confidence := 1.0
		if fullConfidence > 0 {
			confidence = math.Min(1, float64(aggs[i].Samples)/float64(fullConfidence))
		}
		improvement := (worst - aggs[i].MeanP95Ms) / worst
		aggs[i].Bonus = round2(maxBonus * improvement * confidence)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
