package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitPolicy is a named fixed-window limit
type RateLimitPolicy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Config holds all configuration for the application
type Config struct {
	Port string

	DatabaseDriver string
	DatabaseURL    string

	StoreBackend string
	RedisURL     string

	AdminToken        string
	AdminTokenNext    string
	WebhookSecret     string
	WebhookSecretNext string
	WebhookMaxSkew    time.Duration

	IdempotencyRetention  time.Duration
	IdempotencyPendingTTL time.Duration
	IdempotencyWait       time.Duration

	SLODefaultMs    int64
	SLOMinMs        int64
	SLOMaxMs        int64
	SLOWindowPolicy string
	SLOWindowSize   int
	SLOWindowSpan   time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	SearchLimit      RateLimitPolicy
	SubscribeLimit   RateLimitPolicy
	AlertCreateLimit RateLimitPolicy
	PublicReadLimit  RateLimitPolicy

	MetricsPrefix string

	NotifyMode       string
	NotifyEmailURL   string
	NotifyWebhookURL string
	NotifyRatePerSec float64
	NotifyTimeout    time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "pricewatch.db"),
		StoreBackend:   getEnv("STORE_BACKEND", "memory"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),

		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		AdminTokenNext:    os.Getenv("ADMIN_TOKEN_NEXT"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		WebhookSecretNext: os.Getenv("WEBHOOK_SECRET_NEXT"),
		WebhookMaxSkew:    getEnvDuration("WEBHOOK_MAX_SKEW", 5*time.Minute),

		IdempotencyRetention:  getEnvDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),
		IdempotencyPendingTTL: getEnvDuration("IDEMPOTENCY_PENDING_TTL", 30*time.Second),
		IdempotencyWait:       getEnvDuration("IDEMPOTENCY_WAIT", 2*time.Second),

		SLODefaultMs:    int64(getEnvInt("SLO_DEFAULT_MS", 250)),
		SLOMinMs:        int64(getEnvInt("SLO_MIN_MS", 10)),
		SLOMaxMs:        int64(getEnvInt("SLO_MAX_MS", 30000)),
		SLOWindowPolicy: getEnv("SLO_WINDOW_POLICY", "count"),
		SLOWindowSize:   getEnvInt("SLO_WINDOW_SIZE", 100),
		SLOWindowSpan:   getEnvDuration("SLO_WINDOW_SPAN", 5*time.Minute),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),

		SearchLimit:      policy("search", "RL_SEARCH", 30, 300*time.Second),
		SubscribeLimit:   policy("subscribe", "RL_SUBSCRIBE", 5, 24*time.Hour),
		AlertCreateLimit: policy("alert_create", "RL_ALERT_CREATE", 10, 24*time.Hour),
		PublicReadLimit:  policy("public_read", "RL_PUBLIC_READ", 120, 300*time.Second),

		MetricsPrefix: getEnv("METRICS_PREFIX", "pq"),

		NotifyMode:       getEnv("NOTIFY_MODE", "simulated"),
		NotifyEmailURL:   os.Getenv("NOTIFY_EMAIL_URL"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyRatePerSec: getEnvFloat("NOTIFY_RATE_PER_SEC", 5),
		NotifyTimeout:    getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.SLOWindowPolicy {
	case "count", "span":
	default:
		return fmt.Errorf("unsupported SLO_WINDOW_POLICY %q", c.SLOWindowPolicy)
	}
	switch c.NotifyMode {
	case "simulated", "http":
	default:
		return fmt.Errorf("unsupported NOTIFY_MODE %q", c.NotifyMode)
	}
	if c.SLOMinMs <= 0 || c.SLOMinMs > c.SLOMaxMs {
		return fmt.Errorf("invalid SLO threshold range %d..%d", c.SLOMinMs, c.SLOMaxMs)
	}
	if c.SLODefaultMs < c.SLOMinMs || c.SLODefaultMs > c.SLOMaxMs {
		return fmt.Errorf("SLO_DEFAULT_MS %d outside %d..%d", c.SLODefaultMs, c.SLOMinMs, c.SLOMaxMs)
	}
	if c.IdempotencyPendingTTL <= 0 || c.IdempotencyRetention <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if c.IdempotencyWait <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WAIT must be positive")
	}
	if c.SLOWindowSize <= 0 {
		return fmt.Errorf("SLO_WINDOW_SIZE must be positive")
	}
	if c.SLOWindowSpan <= 0 {
		return fmt.Errorf("SLO_WINDOW_SPAN must be positive")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	for _, p := range c.Policies() {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("rate limit policy %q needs a positive limit and window", p.Name)
		}
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	// a half-open trial is one Send, so it must finish before the trial can be taken over
	if c.NotifyTimeout <= 0 || c.NotifyTimeout >= c.BreakerCooldown {
		return fmt.Errorf("NOTIFY_TIMEOUT %s must be positive and below BREAKER_COOLDOWN %s", c.NotifyTimeout, c.BreakerCooldown)
	}
	return nil
}

// Policies returns the configured rate-limit policies keyed by name
func (c *Config) Policies() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		c.SearchLimit.Name:      c.SearchLimit,
		c.SubscribeLimit.Name:   c.SubscribeLimit,
		c.AlertCreateLimit.Name: c.AlertCreateLimit,
		c.PublicReadLimit.Name:  c.PublicReadLimit,
	}
}

func policy(name, envPrefix string, limit int, window time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		Name:   name,
		Limit:  getEnvInt(envPrefix+"_LIMIT", limit),
		Window: getEnvDuration(envPrefix+"_WINDOW", window),
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
