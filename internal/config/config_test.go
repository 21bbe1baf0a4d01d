package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, 30*time.Second, cfg.IdempotencyPendingTTL)
	assert.Equal(t, int64(250), cfg.SLODefaultMs)
	assert.Equal(t, "count", cfg.SLOWindowPolicy)
	assert.Equal(t, 5*time.Minute, cfg.WebhookMaxSkew)
	assert.Equal(t, "pq", cfg.MetricsPrefix)
	assert.Equal(t, "simulated", cfg.NotifyMode)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/pricewatch?sslmode=disable")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("ADMIN_TOKEN", "a1")
	t.Setenv("ADMIN_TOKEN_NEXT", "a2")
	t.Setenv("IDEMPOTENCY_RETENTION", "1h")
	t.Setenv("SLO_WINDOW_POLICY", "span")
	t.Setenv("SLO_WINDOW_SPAN", "10m")
	t.Setenv("BREAKER_COOLDOWN", "45s")
	t.Setenv("NOTIFY_RATE_PER_SEC", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "a1", cfg.AdminToken)
	assert.Equal(t, "a2", cfg.AdminTokenNext)
	assert.Equal(t, time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, "span", cfg.SLOWindowPolicy)
	assert.Equal(t, 10*time.Minute, cfg.SLOWindowSpan)
	assert.Equal(t, 45*time.Second, cfg.BreakerCooldown)
	assert.InDelta(t, 2.5, cfg.NotifyRatePerSec, 1e-9)
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SLO_DEFAULT_MS", "fast")
	t.Setenv("BREAKER_COOLDOWN", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.SLODefaultMs)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
}

func TestPolicies(t *testing.T) {
	t.Setenv("RL_SEARCH_LIMIT", "7")
	t.Setenv("RL_SEARCH_WINDOW", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	policies := cfg.Policies()
	require.Len(t, policies, 4)
	assert.Equal(t, RateLimitPolicy{Name: "search", Limit: 7, Window: time.Minute}, policies["search"])
	assert.Equal(t, 5, policies["subscribe"].Limit)
	assert.Equal(t, 24*time.Hour, policies["alert_create"].Window)
	assert.Equal(t, 120, policies["public_read"].Limit)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"store", func(c *Config) { c.StoreBackend = "etcd" }},
		{"window policy", func(c *Config) { c.SLOWindowPolicy = "sliding" }},
		{"notify mode", func(c *Config) { c.NotifyMode = "smtp" }},
		{"threshold range", func(c *Config) { c.SLOMinMs = 500; c.SLOMaxMs = 100 }},
		{"default outside range", func(c *Config) { c.SLODefaultMs = 5 }},
		{"pending ttl", func(c *Config) { c.IdempotencyPendingTTL = 0 }},
		{"breaker threshold", func(c *Config) { c.BreakerFailureThreshold = 0 }},
		{"idempotency wait", func(c *Config) { c.IdempotencyWait = 0 }},
		{"window size", func(c *Config) { c.SLOWindowSize = 0 }},
		{"window span", func(c *Config) { c.SLOWindowSpan = -time.Second }},
		{"breaker cooldown", func(c *Config) { c.BreakerCooldown = 0 }},
		{"notify timeout", func(c *Config) { c.NotifyTimeout = 0 }},
		{"notify timeout outlives cooldown", func(c *Config) { c.NotifyTimeout = time.Minute; c.BreakerCooldown = 30 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestLoadRejectsZeroWindow(t *testing.T) {
	t.Setenv("SLO_WINDOW_SIZE", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "SLO_WINDOW_SIZE")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "etcd")
	_, err := Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")
}
