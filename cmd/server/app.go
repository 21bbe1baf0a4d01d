package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/config"
	"github.com/yourusername/pricewatch-gateway/internal/database"
	"github.com/yourusername/pricewatch-gateway/internal/handlers"
	"github.com/yourusername/pricewatch-gateway/internal/middleware"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

// stores groups the shared-state backends selected by STORE_BACKEND
type stores struct {
	idempotency services.IdempotencyStore
	rateLimit   services.RateLimitStore
	breakers    services.BreakerStore
	windows     services.WindowStore
}

func memoryStores() stores {
	return stores{
		idempotency: services.NewMemoryIdempotencyStore(nil),
		rateLimit:   services.NewMemoryRateLimitStore(nil),
		breakers:    services.NewMemoryBreakerStore(),
		windows:     services.NewMemoryWindowStore(),
	}
}

func redisStores(client *redis.Client) stores {
	return stores{
		idempotency: services.NewRedisIdempotencyStore(client),
		rateLimit:   services.NewRedisRateLimitStore(client),
		breakers:    services.NewRedisBreakerStore(client),
		windows:     services.NewRedisWindowStore(client),
	}
}

// app is the fully wired gateway
type app struct {
	cfg      *config.Config
	db       *database.DB
	redis    *redis.Client
	registry *prometheus.Registry

	metrics  *services.MetricsRegistry
	slo      *services.SLOClassifier
	breakers *services.BreakerRegistry
	audit    *services.AuditLedger
	exporter *services.Exporter

	handler http.Handler
	logger  *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	a := &app{cfg: cfg, db: db, logger: logger}

	st := memoryStores()
	if cfg.StoreBackend == "redis" {
		a.redis, err = services.NewRedisClient(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		st = redisStores(a.redis)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.slo = services.NewSLOClassifier(db, st.windows, services.SLOConfig{
		DefaultMs: cfg.SLODefaultMs,
		MinMs:     cfg.SLOMinMs,
		MaxMs:     cfg.SLOMaxMs,
		Window: services.WindowPolicy{
			Kind: cfg.SLOWindowPolicy,
			Size: cfg.SLOWindowSize,
			Span: cfg.SLOWindowSpan,
		},
	}, logger)
	a.metrics = services.NewMetricsRegistry(db, a.slo, a.registry, logger)
	a.breakers = services.NewBreakerRegistry(st.breakers, services.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, a.metrics, a.registry, logger)
	a.audit = services.NewAuditLedger(db, a.metrics, a.registry, logger)
	a.exporter = services.NewExporter(a.metrics, a.slo, cfg.MetricsPrefix)

	idempotency := services.NewIdempotencyManager(st.idempotency, services.IdempotencyConfig{
		Retention:  cfg.IdempotencyRetention,
		PendingTTL: cfg.IdempotencyPendingTTL,
		Wait:       cfg.IdempotencyWait,
	}, logger)

	var sender services.Sender = services.NewSimulatedSender(logger)
	if cfg.NotifyMode == "http" {
		sender = services.NewHTTPSender(cfg.NotifyEmailURL, cfg.NotifyRatePerSec, cfg.NotifyTimeout)
	}

	rel := middleware.NewReliability(
		middleware.NewRateLimitMiddleware(services.NewRateLimiter(st.rateLimit), cfg.Policies(), a.metrics, logger),
		middleware.NewIdempotencyMiddleware(idempotency, a.metrics, logger),
		a.metrics,
		a.breakers,
		logger,
	)

	checks := map[string]handlers.HealthCheckFunc{"database": db.Ping}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}

	a.handler = newRouter(routerDeps{
		cfg:         cfg,
		reliability: rel,
		adminAuth:   middleware.NewAdminAuth(secrets.Set{Current: cfg.AdminToken, Next: cfg.AdminTokenNext}, a.metrics, logger),
		health:      handlers.NewMetricsHandler(a.exporter, a.registry, checks, logger),
		alerts:      handlers.NewAlertHandler(db, a.audit, logger),
		portfolios:  handlers.NewPortfolioHandler(db, a.audit, a.metrics, logger),
		webhooks: handlers.NewWebhookHandler(
			secrets.Set{Current: cfg.WebhookSecret, Next: cfg.WebhookSecretNext},
			cfg.WebhookMaxSkew, a.metrics, logger),
		admin: handlers.NewAdminHandler(a.slo, a.audit, a.breakers, sender, a.metrics, logger).
			WithDefaultWebhook(cfg.NotifyWebhookURL),
	})

	return a, nil
}

// close drains pending audit writes before releasing connections
func (a *app) close() {
	a.audit.Wait()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
}
