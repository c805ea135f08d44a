package edgeplane

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

// Component weights of the score. They sum to 1.
const (
	WeightLatency         = 0.6
	WeightOriginLoad      = 0.2
	WeightCacheHitQuality = 0.1
	WeightPurgeMTTR       = 0.1
)

// Hard gate failure codes.
const (
	GateDigestMismatch     = "digest_mismatch"
	GatePersonalizedLeak   = "personalized_leak"
	GatePurgeOutsideWindow = "purge_outside_window"
	GateCacheKeyCollision  = "cache_key_collision"
)

// neutralScore is used for a component none of whose sub-metrics were reported.
const neutralScore = 0.5

// CandidateMetrics are the measured sub-metrics. Only P95Ms is required.
type CandidateMetrics struct {
	P50Ms              *float64 `json:"p50_ms,omitempty"`
	P95Ms              *float64 `json:"p95_ms,omitempty"`
	P99Ms              *float64 `json:"p99_ms,omitempty"`
	TTFBP95Ms          *float64 `json:"ttfb_p95_ms,omitempty"`
	OriginRequestRatio *float64 `json:"origin_request_ratio,omitempty"`
	OriginCPUPct       *float64 `json:"origin_cpu_pct,omitempty"`
	HitRatio           *float64 `json:"hit_ratio,omitempty"`
	StaleRatio         *float64 `json:"stale_ratio,omitempty"`
	PurgeMTTRMs        *float64 `json:"purge_mttr_ms,omitempty"`
	PurgeP95Ms         *float64 `json:"purge_p95_ms,omitempty"`
}

// CandidateGates are the hard gate observations for a candidate.
type CandidateGates struct {
	DigestMismatch     bool     `json:"digest_mismatch"`
	PersonalizedLeak   bool     `json:"personalized_leak"`
	PurgeCompletionMs  *float64 `json:"purge_completion_ms,omitempty"`
	PurgeOutsideWindow bool     `json:"purge_outside_window"`
	CacheKeyCollision  bool     `json:"cache_key_collision"`
}

// PageTest compares the body digest served under a strategy with the
// uncached one.
type PageTest struct {
	Path           string `json:"path"`
	ExpectedDigest string `json:"expected_digest"`
	ObservedDigest string `json:"observed_digest"`
}

// StrategyCandidate is one strategy's benchmark outcome.
type StrategyCandidate struct {
	Strategy   string           `json:"strategy"`
	TTLSeconds int64            `json:"ttl_seconds"`
	Metrics    CandidateMetrics `json:"metrics"`
	Gates      CandidateGates   `json:"gates"`
	PageTests  []PageTest       `json:"page_tests,omitempty"`
}

// ComponentScores are the normalized [0,1] component values.
type ComponentScores struct {
	Latency         float64 `json:"latency"`
	OriginLoad      float64 `json:"origin_load"`
	CacheHitQuality float64 `json:"cache_hit_quality"`
	PurgeMTTR       float64 `json:"purge_mttr"`
}

// Weighted returns the 0..1 weighted sum.
func (c ComponentScores) Weighted() float64 {
	return WeightLatency*c.Latency +
		WeightOriginLoad*c.OriginLoad +
		WeightCacheHitQuality*c.CacheHitQuality +
		WeightPurgeMTTR*c.PurgeMTTR
}

// CandidateEvaluation is the verdict on one candidate. Score is zero for a
// candidate that failed any gate.
type CandidateEvaluation struct {
	Strategy   string          `json:"strategy"`
	TTLSeconds int64           `json:"ttl_seconds"`
	Passed     bool            `json:"passed"`
	Failures   []string        `json:"failures"`
	Components ComponentScores `json:"components"`
	BaseScore  float64         `json:"base_score"`
	FleetBonus float64         `json:"fleet_bonus"`
	Score      float64         `json:"score"`
}

// Evaluation ranks candidates. Recommended is the top passing candidate.
type Evaluation struct {
	Recommended *CandidateEvaluation  `json:"recommended"`
	Evaluated   []CandidateEvaluation `json:"evaluated"`
}

// StrategyProfile is the persisted recommendation for a site on a host.
type StrategyProfile struct {
	SiteID           string           `json:"site_id"`
	VPSFingerprint   string           `json:"vps_fingerprint"`
	Strategy         string           `json:"strategy"`
	TTLSeconds       int64            `json:"ttl_seconds"`
	Score            float64          `json:"score"`
	ComponentScores  ComponentScores  `json:"component_scores"`
	HardGateFailures []string         `json:"hard_gate_failures"`
	MetricsSnapshot  CandidateMetrics `json:"metrics_snapshot"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// BenchmarkRequest is a scoring run for one site.
type BenchmarkRequest struct {
	SiteID         string              `json:"site_id"`
	VPSFingerprint string              `json:"vps_fingerprint"`
	Candidates     []StrategyCandidate `json:"candidates"`
}

// BenchmarkResult is a successful scoring run.
type BenchmarkResult struct {
	SiteID         string                `json:"site_id"`
	VPSFingerprint string                `json:"vps_fingerprint"`
	Recommended    CandidateEvaluation   `json:"recommended"`
	Evaluated      []CandidateEvaluation `json:"evaluated"`
	Profile        *StrategyProfile      `json:"profile"`
}

// metricBound linearly maps a raw value to [0,1]: 1 at ideal, 0 at worst,
// clamped outside. ideal may be above or below worst.
type metricBound struct {
	ideal, worst float64
}

func (b metricBound) normalize(v float64) float64 {
	return clamp01((v - b.worst) / (b.ideal - b.worst))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var (
	boundP95         = metricBound{ideal: 80, worst: 2500}
	boundP50         = metricBound{ideal: 40, worst: 1200}
	boundTTFBP95     = metricBound{ideal: 50, worst: 1500}
	boundOriginRatio = metricBound{ideal: 0.05, worst: 1.0}
	boundOriginCPU   = metricBound{ideal: 10, worst: 95}
	boundHitRatio    = metricBound{ideal: 0.95, worst: 0.30}
	boundStaleRatio  = metricBound{ideal: 0, worst: 0.5}
	boundPurgeMTTR   = metricBound{ideal: 500, worst: 30000}
	boundPurgeP95    = metricBound{ideal: 1000, worst: 60000}
)

type subMetric struct {
	weight float64
	value  *float64
	bound  metricBound
}

// blend is the weighted mean of the present sub-metrics, with weights
// renormalized over what was reported.
func blend(parts ...subMetric) float64 {
	var sum, weights float64
	for _, p := range parts {
		if p.value == nil {
			continue
		}
		sum += p.weight * p.bound.normalize(*p.value)
		weights += p.weight
	}
	if weights == 0 {
		return neutralScore
	}
	return sum / weights
}

// ScoreComponents computes the four normalized components of m.
func ScoreComponents(m CandidateMetrics) ComponentScores {
	return ComponentScores{
		Latency: blend(
			subMetric{0.6, m.P95Ms, boundP95},
			subMetric{0.25, m.P50Ms, boundP50},
			subMetric{0.15, m.TTFBP95Ms, boundTTFBP95},
		),
		OriginLoad: blend(
			subMetric{0.6, m.OriginRequestRatio, boundOriginRatio},
			subMetric{0.4, m.OriginCPUPct, boundOriginCPU},
		),
		CacheHitQuality: blend(
			subMetric{0.7, m.HitRatio, boundHitRatio},
			subMetric{0.3, m.StaleRatio, boundStaleRatio},
		),
		PurgeMTTR: blend(
			subMetric{0.7, m.PurgeMTTRMs, boundPurgeMTTR},
			subMetric{0.3, m.PurgeP95Ms, boundPurgeP95},
		),
	}
}

// ScoringEngine evaluates candidates and persists the winner.
type ScoringEngine struct {
	store       *Store
	fleet       *FleetTelemetry
	purgeWindow time.Duration
	useFleet    bool
	defaultVPS  string
	logger      Logger
	now         func() time.Time
}

// NewScoringEngine builds an engine. fleet may be nil, which disables the
// fleet bonus.
func NewScoringEngine(store *Store, fleet *FleetTelemetry, cfg ScoringConfig, logger Logger) (*ScoringEngine, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	vps := cfg.DefaultVPSFingerprint
	if vps == "" {
		vps = "default"
	}
	return &ScoringEngine{
		store:       store,
		fleet:       fleet,
		purgeWindow: cfg.PurgeWindow,
		useFleet:    fleet != nil && !cfg.DisableFleetBonus,
		defaultVPS:  vps,
		logger:      logger.Named("scoring"),
		now:         time.Now,
	}, nil
}

// Gates returns the hard gate failures of c, in a fixed order.
func (e *ScoringEngine) Gates(c *StrategyCandidate) []string {
	failures := []string{}
	digest := c.Gates.DigestMismatch
	for _, pt := range c.PageTests {
		if pt.ExpectedDigest != pt.ObservedDigest {
			digest = true
			break
		}
	}
	if digest {
		failures = append(failures, GateDigestMismatch)
	}
	if c.Gates.PersonalizedLeak {
		failures = append(failures, GatePersonalizedLeak)
	}
	outside := c.Gates.PurgeOutsideWindow
	if c.Gates.PurgeCompletionMs != nil && e.purgeWindow > 0 &&
		*c.Gates.PurgeCompletionMs > float64(e.purgeWindow.Milliseconds()) {
		outside = true
	}
	if outside {
		failures = append(failures, GatePurgeOutsideWindow)
	}
	if c.Gates.CacheKeyCollision {
		failures = append(failures, GateCacheKeyCollision)
	}
	return failures
}

// Evaluate scores candidates, adding bonuses[strategy] to passing ones, and
// ranks them by score then name. It never recommends a candidate that
// failed a gate; with no passing candidate it returns
// NoCandidatePassedGates carrying every evaluation.
func (e *ScoringEngine) Evaluate(candidates []StrategyCandidate, bonuses map[string]float64) (*Evaluation, error) {
	evaluated := make([]CandidateEvaluation, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		components := ScoreComponents(c.Metrics)
		ev := CandidateEvaluation{
			Strategy:   c.Strategy,
			TTLSeconds: c.TTLSeconds,
			Failures:   e.Gates(c),
			Components: components,
			BaseScore:  round2(100 * components.Weighted()),
		}
		ev.Passed = len(ev.Failures) == 0
		if ev.Passed {
			ev.FleetBonus = bonuses[c.Strategy]
			ev.Score = round2(ev.BaseScore + ev.FleetBonus)
		}
		evaluated = append(evaluated, ev)
	}

	sort.SliceStable(evaluated, func(i, j int) bool {
		a, b := evaluated[i], evaluated[j]
		if a.Passed != b.Passed {
			return a.Passed
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Strategy < b.Strategy
	})

	if len(evaluated) == 0 || !evaluated[0].Passed {
		return nil, NoCandidatePassedGates(evaluated)
	}
	top := evaluated[0]
	return &Evaluation{Recommended: &top, Evaluated: evaluated}, nil
}

// Benchmark validates req, evaluates it with the fleet bonus and upserts the
// site's profile with the winner.
func (e *ScoringEngine) Benchmark(ctx context.Context, req *BenchmarkRequest) (*BenchmarkResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	var bonuses map[string]float64
	if e.useFleet {
		var err error
		if bonuses, err = e.fleet.Bonuses(ctx, req.SiteID); err != nil {
			return nil, err
		}
	}

	eval, err := e.Evaluate(req.Candidates, bonuses)
	if err != nil {
		e.logger.Info("no strategy passed hard gates",
			String("site_id", req.SiteID), Int("candidates", len(req.Candidates)))
		return nil, err
	}

	winner := eval.Recommended
	var snapshot CandidateMetrics
	for _, c := range req.Candidates {
		if c.Strategy == winner.Strategy {
			snapshot = c.Metrics
			break
		}
	}
	rejected := []string{}
	for _, ev := range eval.Evaluated {
		for _, f := range ev.Failures {
			rejected = append(rejected, ev.Strategy+":"+f)
		}
	}

	profile := &StrategyProfile{
		SiteID:           req.SiteID,
		VPSFingerprint:   req.VPSFingerprint,
		Strategy:         winner.Strategy,
		TTLSeconds:       winner.TTLSeconds,
		Score:            winner.Score,
		ComponentScores:  winner.Components,
		HardGateFailures: rejected,
		MetricsSnapshot:  snapshot,
		UpdatedAt:        e.now().UTC(),
	}
	if err := e.store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}

	e.logger.Info("strategy recommended",
		String("site_id", req.SiteID),
		String("vps_fingerprint", req.VPSFingerprint),
		String("strategy", winner.Strategy),
		Float64("score", winner.Score))

	return &BenchmarkResult{
		SiteID:         req.SiteID,
		VPSFingerprint: req.VPSFingerprint,
		Recommended:    *winner,
		Evaluated:      eval.Evaluated,
		Profile:        profile,
	}, nil
}

// Profile returns the persisted profile for the site; an empty vps selects
// the default fingerprint.
func (e *ScoringEngine) Profile(ctx context.Context, siteID, vps string) (*StrategyProfile, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, ValidationError("site_id_required", "site_id is required")
	}
	if vps = strings.TrimSpace(vps); vps == "" {
		vps = e.defaultVPS
	}
	return e.store.GetProfile(ctx, siteID, vps)
}

func (e *ScoringEngine) validate(req *BenchmarkRequest) error {
	req.SiteID = strings.TrimSpace(req.SiteID)
	if req.SiteID == "" {
		return ValidationError("site_id_required", "site_id is required")
	}
	if req.VPSFingerprint = strings.TrimSpace(req.VPSFingerprint); req.VPSFingerprint == "" {
		req.VPSFingerprint = e.defaultVPS
	}
	if len(req.Candidates) == 0 {
		return NoCandidatePassedGates(nil)
	}

	seen := make(map[string]struct{}, len(req.Candidates))
	for i := range req.Candidates {
		c := &req.Candidates[i]
		c.Strategy = strings.TrimSpace(c.Strategy)
		if c.Strategy == "" {
			return ValidationError("strategy_required", "candidates[%d].strategy is required", i)
		}
		if _, dup := seen[c.Strategy]; dup {
			return ValidationError("strategy_duplicate", "strategy %q appears more than once", c.Strategy)
		}
		seen[c.Strategy] = struct{}{}
		if c.TTLSeconds < 0 {
			return ValidationError("ttl_invalid", "candidates[%d].ttl_seconds must be >= 0", i)
		}
		if err := validateMetrics(i, &c.Metrics); err != nil {
			return err
		}
	}
	return nil
}

func validateMetrics(i int, m *CandidateMetrics) error {
	if m.P95Ms == nil {
		return ValidationError("p95_required", "candidates[%d].metrics.p95_ms is required", i)
	}
	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"p50_ms", m.P50Ms}, {"p95_ms", m.P95Ms}, {"p99_ms", m.P99Ms}, {"ttfb_p95_ms", m.TTFBP95Ms},
		{"purge_mttr_ms", m.PurgeMTTRMs}, {"purge_p95_ms", m.PurgeP95Ms},
	}
	for _, f := range nonNegative {
		if f.v != nil && (*f.v < 0 || math.IsNaN(*f.v)) {
			return ValidationError("metric_invalid", "candidates[%d].metrics.%s must be >= 0", i, f.name)
		}
	}
	ratios := []struct {
		name string
		v    *float64
	}{
		{"origin_request_ratio", m.OriginRequestRatio}, {"hit_ratio", m.HitRatio}, {"stale_ratio", m.StaleRatio},
	}
	for _, f := range ratios {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return ValidationError("metric_invalid", "candidates[%d].metrics.%s must be within [0,1]", i, f.name)
		}
	}
	if m.OriginCPUPct != nil && (*m.OriginCPUPct < 0 || *m.OriginCPUPct > 100) {
		return ValidationError("metric_invalid", "candidates[%d].metrics.origin_cpu_pct must be within [0,100]", i)
	}
	return nil
}
