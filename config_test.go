package edgeplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8787", cfg.Listen)
	assert.Equal(t, 300*time.Second, cfg.Auth.ReplayWindow)
	assert.Equal(t, "badger", cfg.KV.Backend)
	assert.Equal(t, "./data/kv", cfg.KV.Badger.Dir)
	assert.Equal(t, "./data/edgeplane.db", cfg.Sandbox.DBPath)
	assert.Equal(t, 120*time.Second, cfg.Locks.Timeout)
	assert.Equal(t, 40, cfg.Scoring.FleetFullConfidence)
	assert.Equal(t, 5.0, cfg.Scoring.FleetMaxBonus)
	assert.Equal(t, int32(5), cfg.Cache.Breaker.FailureThreshold)
	assert.Zero(t, cfg.Cache.RevalidateAfter)
	assert.Contains(t, cfg.Cache.TrackingParams, "utm_*")
	assert.Contains(t, cfg.Cache.BypassPathPrefixes, "/wp-admin")
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Listen: "127.0.0.1:9000",
		Cache:  CacheConfig{DefaultTTL: time.Minute, BypassQueryKeys: []string{}},
		Queue:  QueueConfig{BatchSize: 7},
	}
	cfg.SetDefaults()

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, time.Minute, cfg.Cache.DefaultTTL)
	assert.Empty(t, cfg.Cache.BypassQueryKeys)
	assert.Equal(t, 7, cfg.Queue.BatchSize)
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Auth.SharedSecret = "s3cret"
	require.NoError(t, valid.Validate())

	t.Run("missing secrets", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.ErrorContains(t, cfg.Validate(), "shared_secret")
	})

	t.Run("redis without addr", func(t *testing.T) {
		cfg := valid
		cfg.KV.Backend = "redis"
		assert.ErrorContains(t, cfg.Validate(), "redis.addr")
	})

	t.Run("relative origin", func(t *testing.T) {
		cfg := valid
		cfg.Cache.OriginURL = "/wordpress"
		assert.ErrorContains(t, cfg.Validate(), "origin_url")
	})

	t.Run("reports every problem", func(t *testing.T) {
		cfg := valid
		cfg.KV.Backend = "etcd"
		cfg.Log.Backend = "logrus"
		cfg.Cache.DefaultTTL = 48 * time.Hour
		err := cfg.Validate()
		assert.ErrorContains(t, err, `unknown backend "etcd"`)
		assert.ErrorContains(t, err, `unknown backend "logrus"`)
		assert.ErrorContains(t, err, "default_ttl")
	})
}
