// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "pricewatch-gateway")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from LOG_LEVEL and LOG_FORMAT.
func FromEnv() Config {
	return Config{
		Level:  getenv("LOG_LEVEL", "info"),
		Format: getenv("LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Component(name string) zap.Field { return zap.String("component", name) }

func Route(name string) zap.Field { return zap.String("route", name) }

func Method(method string) zap.Field { return zap.String("method", method) }

func Path(path string) zap.Field { return zap.String("path", path) }

func Status(code int) zap.Field { return zap.Int("status", code) }

func Duration(d time.Duration) zap.Field { return zap.Int64("duration_ms", d.Milliseconds()) }

func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Scope returns a zap field for a rate-limit scope.
func Scope(scope string) zap.Field { return zap.String("scope", scope) }

// Breaker returns a zap field for a circuit breaker name.
func Breaker(name string) zap.Field { return zap.String("breaker", name) }

// IdempotencyKey returns a zap field for a caller-supplied idempotency key.
func IdempotencyKey(key string) zap.Field { return zap.String("idempotency_key", key) }

// Metric returns a zap field for a counter name.
func Metric(name string) zap.Field { return zap.String("metric", name) }
