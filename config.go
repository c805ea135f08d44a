package edgeplane

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete daemon configuration. Zero values are replaced by
// defaults in SetDefaults; Validate rejects combinations that cannot work.
type Config struct {
	Listen      string            `mapstructure:"listen"`
	DataDir     string            `mapstructure:"data_dir"`
	Auth        AuthConfig        `mapstructure:"auth"`
	KV          KVConfig          `mapstructure:"kv"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Locks       LockConfig        `mapstructure:"locks"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Log         LogConfig         `mapstructure:"log"`
}

// AuthConfig configures request signing.
type AuthConfig struct {
	SharedSecret    string            `mapstructure:"shared_secret"`
	CallerSecrets   map[string]string `mapstructure:"caller_secrets"`
	CapabilityToken string            `mapstructure:"capability_token"`
	ReplayWindow    time.Duration     `mapstructure:"replay_window"`
	MaxBodyBytes    int64             `mapstructure:"max_body_bytes"`
}

// KVConfig selects the key-value backend for nonces, idempotency records
// and the tag index. The object-store tier always lives in Badger.
type KVConfig struct {
	Backend string       `mapstructure:"backend"` // badger | redis
	Badger  BadgerConfig `mapstructure:"badger"`
	Redis   RedisConfig  `mapstructure:"redis"`
}

// RedisConfig configures the Redis KV backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CacheConfig configures the tiered cache router.
type CacheConfig struct {
	OriginURL                 string        `mapstructure:"origin_url"`
	OriginTimeout             time.Duration `mapstructure:"origin_timeout"`
	EdgeEntries               int           `mapstructure:"edge_entries"`
	DefaultTTL                time.Duration `mapstructure:"default_ttl"`
	MaxTTL                    time.Duration `mapstructure:"max_ttl"`
	PurgeBatchSize            int           `mapstructure:"purge_batch_size"`
	RevalidateAfter           time.Duration `mapstructure:"revalidate_after"`
	RevalidateTimeout         time.Duration `mapstructure:"revalidate_timeout"`
	MaxConcurrentRevalidation int           `mapstructure:"max_concurrent_revalidations"`
	MaxBodyBytes              int64         `mapstructure:"max_body_bytes"`
	BypassPathPrefixes        []string      `mapstructure:"bypass_path_prefixes"`
	BypassCookiePrefixes      []string      `mapstructure:"bypass_cookie_prefixes"`
	BypassQueryKeys           []string      `mapstructure:"bypass_query_keys"`
	TrackingParams            []string      `mapstructure:"tracking_params"`
	Breaker                   BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the origin circuit breaker.
type BreakerConfig struct {
	FailureThreshold int32         `mapstructure:"failure_threshold"`
	SuccessThreshold int32         `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxHalfOpenReqs  int32         `mapstructure:"max_half_open_requests"`
	MaxPathBreakers  int           `mapstructure:"max_path_breakers"`
}

// ScoringConfig configures gates and the fleet bonus.
type ScoringConfig struct {
	PurgeWindow           time.Duration `mapstructure:"purge_window"`
	FleetLookback         time.Duration `mapstructure:"fleet_lookback"`
	FleetFullConfidence   int           `mapstructure:"fleet_full_confidence"`
	FleetMaxBonus         float64       `mapstructure:"fleet_max_bonus"`
	DisableFleetBonus     bool          `mapstructure:"disable_fleet_bonus"`
	DefaultVPSFingerprint string        `mapstructure:"default_vps_fingerprint"`
}

// SandboxConfig configures the sandbox scheduler.
type SandboxConfig struct {
	DBPath             string   `mapstructure:"db_path"`
	Pool               []string `mapstructure:"pool"`
	DefaultSlotMinutes int      `mapstructure:"default_slot_minutes"`
	MinSlotMinutes     int      `mapstructure:"min_slot_minutes"`
	MaxSlotMinutes     int      `mapstructure:"max_slot_minutes"`
	ConflictPageSize   int      `mapstructure:"conflict_page_size"`
	ConflictMaxPage    int      `mapstructure:"conflict_max_page"`
}

// LockConfig configures site locks.
type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig configures the purge/preload dispatcher.
type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PreloadWorkers int           `mapstructure:"preload_workers"`
}

// IdempotencyConfig configures stored-response replay.
type IdempotencyConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

// LogConfig selects the logging backend.
type LogConfig struct {
	Backend     string `mapstructure:"backend"` // zap | slog
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var (
	defaultBypassPathPrefixes = []string{
		"/wp-admin", "/wp-login.php", "/wp-json/wp/v2/users", "/cart", "/checkout", "/my-account",
	}
	defaultBypassCookiePrefixes = []string{
		"wordpress_logged_in_", "wp-postpass_", "comment_author_", "woocommerce_items_in_cart", "PHPSESSID",
	}
	defaultBypassQueryKeys = []string{"nocache", "preview", "edge_bypass"}
	defaultTrackingParams  = []string{
		"utm_*", "gclid", "fbclid", "msclkid", "dclid", "mc_cid", "mc_eid", "_ga", "yclid",
	}
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// SetDefaults replaces zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = ":8787"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Auth.ReplayWindow == 0 {
		c.Auth.ReplayWindow = 300 * time.Second
	}
	if c.Auth.MaxBodyBytes == 0 {
		c.Auth.MaxBodyBytes = 1 << 20
	}

	if c.KV.Backend == "" {
		c.KV.Backend = "badger"
	}
	if c.KV.Badger.Dir == "" && !c.KV.Badger.InMemory {
		c.KV.Badger.Dir = c.DataDir + "/kv"
	}
	c.KV.Badger.SetDefaults()
	if c.KV.Redis.Prefix == "" {
		c.KV.Redis.Prefix = "edgeplane:"
	}

	cc := &c.Cache
	if cc.OriginTimeout == 0 {
		cc.OriginTimeout = 10 * time.Second
	}
	if cc.EdgeEntries == 0 {
		cc.EdgeEntries = 10000
	}
	if cc.DefaultTTL == 0 {
		cc.DefaultTTL = 300 * time.Second
	}
	if cc.MaxTTL == 0 {
		cc.MaxTTL = 24 * time.Hour
	}
	if cc.PurgeBatchSize == 0 {
		cc.PurgeBatchSize = 100
	}
	if cc.RevalidateTimeout == 0 {
		cc.RevalidateTimeout = 30 * time.Second
	}
	if cc.MaxConcurrentRevalidation == 0 {
		cc.MaxConcurrentRevalidation = 64
	}
	if cc.MaxBodyBytes == 0 {
		cc.MaxBodyBytes = 8 << 20
	}
	if cc.BypassPathPrefixes == nil {
		cc.BypassPathPrefixes = append([]string(nil), defaultBypassPathPrefixes...)
	}
	if cc.BypassCookiePrefixes == nil {
		cc.BypassCookiePrefixes = append([]string(nil), defaultBypassCookiePrefixes...)
	}
	if cc.BypassQueryKeys == nil {
		cc.BypassQueryKeys = append([]string(nil), defaultBypassQueryKeys...)
	}
	if cc.TrackingParams == nil {
		cc.TrackingParams = append([]string(nil), defaultTrackingParams...)
	}
	cc.Breaker.SetDefaults()

	sc := &c.Scoring
	if sc.PurgeWindow == 0 {
		sc.PurgeWindow = 60 * time.Second
	}
	if sc.FleetLookback == 0 {
		sc.FleetLookback = 30 * 24 * time.Hour
	}
	if sc.FleetFullConfidence == 0 {
		sc.FleetFullConfidence = 40
	}
	if sc.FleetMaxBonus == 0 {
		sc.FleetMaxBonus = 5
	}
	if sc.DefaultVPSFingerprint == "" {
		sc.DefaultVPSFingerprint = "default"
	}

	sb := &c.Sandbox
	if sb.DBPath == "" {
		sb.DBPath = c.DataDir + "/edgeplane.db"
	}
	if len(sb.Pool) == 0 {
		sb.Pool = []string{"sandbox-1"}
	}
	if sb.DefaultSlotMinutes == 0 {
		sb.DefaultSlotMinutes = 30
	}
	if sb.MinSlotMinutes == 0 {
		sb.MinSlotMinutes = 5
	}
	if sb.MaxSlotMinutes == 0 {
		sb.MaxSlotMinutes = 240
	}
	if sb.ConflictPageSize == 0 {
		sb.ConflictPageSize = 50
	}
	if sb.ConflictMaxPage == 0 {
		sb.ConflictMaxPage = 200
	}

	if c.Locks.Timeout == 0 {
		c.Locks.Timeout = 120 * time.Second
	}

	qc := &c.Queue
	if qc.Capacity == 0 {
		qc.Capacity = 10000
	}
	if qc.BatchSize == 0 {
		qc.BatchSize = 50
	}
	if qc.FlushInterval == 0 {
		qc.FlushInterval = 250 * time.Millisecond
	}
	if qc.MaxAttempts == 0 {
		qc.MaxAttempts = 5
	}
	if qc.InitialBackoff == 0 {
		qc.InitialBackoff = 200 * time.Millisecond
	}
	if qc.MaxBackoff == 0 {
		qc.MaxBackoff = 10 * time.Second
	}
	if qc.PreloadWorkers == 0 {
		qc.PreloadWorkers = 8
	}

	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.PendingTTL == 0 {
		c.Idempotency.PendingTTL = 5 * time.Minute
	}

	if c.Log.Backend == "" {
		c.Log.Backend = "zap"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// SetDefaults fills zero breaker settings.
func (b *BreakerConfig) SetDefaults() {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = 2
	}
	if b.Timeout == 0 {
		b.Timeout = 30 * time.Second
	}
	if b.MaxHalfOpenReqs == 0 {
		b.MaxHalfOpenReqs = 3
	}
	if b.MaxPathBreakers == 0 {
		b.MaxPathBreakers = 10000
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.SharedSecret == "" && len(c.Auth.CallerSecrets) == 0 {
		errs = append(errs, errors.New("auth: shared_secret or caller_secrets is required"))
	}
	if c.Auth.ReplayWindow < time.Second {
		errs = append(errs, fmt.Errorf("auth: replay_window %s is below 1s", c.Auth.ReplayWindow))
	}

	switch c.KV.Backend {
	case "badger":
	case "redis":
		if c.KV.Redis.Addr == "" {
			errs = append(errs, errors.New("kv: redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("kv: unknown backend %q", c.KV.Backend))
	}

	if c.Cache.OriginURL != "" {
		u, err := url.Parse(c.Cache.OriginURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("cache: origin_url %q must be an absolute URL", c.Cache.OriginURL))
		}
	}
	if c.Cache.DefaultTTL > c.Cache.MaxTTL {
		errs = append(errs, fmt.Errorf("cache: default_ttl %s exceeds max_ttl %s", c.Cache.DefaultTTL, c.Cache.MaxTTL))
	}
	if c.Cache.RevalidateAfter < 0 {
		errs = append(errs, errors.New("cache: revalidate_after must not be negative"))
	}

	if c.Sandbox.MinSlotMinutes > c.Sandbox.MaxSlotMinutes {
		errs = append(errs, errors.New("sandbox: min_slot_minutes exceeds max_slot_minutes"))
	}
	for _, id := range c.Sandbox.Pool {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("sandbox: pool contains an empty sandbox id"))
			break
		}
	}

	if c.Scoring.FleetMaxBonus < 0 {
		errs = append(errs, errors.New("scoring: fleet_max_bonus must not be negative"))
	}

	switch c.Log.Backend {
	case "zap", "slog":
	default:
		errs = append(errs, fmt.Errorf("log: unknown backend %q", c.Log.Backend))
	}

	return errors.Join(errs...)
}
