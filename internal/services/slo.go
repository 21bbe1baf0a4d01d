package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
)

var routePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidRoute reports whether name can be used as an SLO route slug
func ValidRoute(name string) bool {
	return routePattern.MatchString(name)
}

// ThresholdStore persists per-route thresholds
type ThresholdStore interface {
	Threshold(ctx context.Context, route string) (int64, bool, error)
	SetThreshold(ctx context.Context, route string, ms int64) error
	Thresholds(ctx context.Context) ([]models.SLOThreshold, error)
}

// Window policies
const (
	WindowCount = "count"
	WindowSpan  = "span"
)

// WindowPolicy bounds what a route window retains
type WindowPolicy struct {
	Kind string
	Size int
	Span time.Duration
}

// WindowStore holds the bounded recent samples per route
type WindowStore interface {
	// Append adds s to its route window and evicts what p no longer retains
	Append(ctx context.Context, s models.WindowSample, p WindowPolicy) error
	// Samples returns the retained samples, oldest first
	Samples(ctx context.Context, route string, p WindowPolicy, now time.Time) ([]models.WindowSample, error)
	Routes(ctx context.Context) ([]string, error)
}

type SLOConfig struct {
	DefaultMs int64
	MinMs     int64
	MaxMs     int64
	Window    WindowPolicy
}

// SLOClassifier classifies request durations against per-route thresholds
type SLOClassifier struct {
	thresholds ThresholdStore
	windows    WindowStore
	cfg        SLOConfig
	now        func() time.Time
	logger     *zap.Logger
}

// NewSLOClassifier creates a classifier over thresholds and latency windows
func NewSLOClassifier(thresholds ThresholdStore, windows WindowStore, cfg SLOConfig, logger *zap.Logger) *SLOClassifier {
	return &SLOClassifier{
		thresholds: thresholds,
		windows:    windows,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(logging.Component("slo")),
	}
}

// DefaultMs is the threshold of routes without a stored one
func (c *SLOClassifier) DefaultMs() int64 {
	return c.cfg.DefaultMs
}

// ThresholdFor reads the route threshold from the store on every call
func (c *SLOClassifier) ThresholdFor(ctx context.Context, route string) int64 {
	ms, ok, err := c.thresholds.Threshold(ctx, route)
	if err != nil {
		c.logger.Warn("threshold lookup failed, using default", logging.Route(route), zap.Error(err))
		return c.cfg.DefaultMs
	}
	if !ok {
		return c.cfg.DefaultMs
	}
	return ms
}

// Classify compares durationMs against the route threshold and appends the result to the window
func (c *SLOClassifier) Classify(ctx context.Context, route string, durationMs int64) (models.SLOClass, error) {
	class := models.SLOGood
	if durationMs > c.ThresholdFor(ctx, route) {
		class = models.SLOBreach
	}

	sample := models.WindowSample{
		ID:         uuid.NewString(),
		Route:      route,
		DurationMs: durationMs,
		Class:      class,
		At:         c.now(),
	}
	if err := c.windows.Append(ctx, sample, c.cfg.Window); err != nil {
		return class, fmt.Errorf("append window sample: %w", err)
	}
	return class, nil
}

// SetThreshold validates and stores a new route threshold
func (c *SLOClassifier) SetThreshold(ctx context.Context, route string, ms int64) error {
	if route == "" {
		return apperr.New(apperr.Validation, apperr.CodeRouteRequired)
	}
	if !ValidRoute(route) {
		return apperr.New(apperr.Validation, apperr.CodeInvalidRoute)
	}
	if ms < c.cfg.MinMs || ms > c.cfg.MaxMs {
		return apperr.New(apperr.Validation, apperr.CodeThresholdInvalid)
	}
	return c.thresholds.SetThreshold(ctx, route, ms)
}

func (c *SLOClassifier) Thresholds(ctx context.Context) ([]models.SLOThreshold, error) {
	return c.thresholds.Thresholds(ctx)
}

// Samples returns the retained window samples for route
func (c *SLOClassifier) Samples(ctx context.Context, route string) ([]models.WindowSample, error) {
	return c.windows.Samples(ctx, route, c.cfg.Window, c.now())
}

// WindowStats summarizes the retained samples for route
func (c *SLOClassifier) WindowStats(ctx context.Context, route string) (models.WindowStats, error) {
	samples, err := c.Samples(ctx, route)
	if err != nil {
		return models.WindowStats{}, err
	}
	stats := summarize(route, samples)
	stats.ThresholdMs = c.ThresholdFor(ctx, route)
	return stats, nil
}

// AllWindowStats summarizes every route that has a window
func (c *SLOClassifier) AllWindowStats(ctx context.Context) ([]models.WindowStats, error) {
	routes, err := c.windows.Routes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list window routes: %w", err)
	}
	sort.Strings(routes)

	out := make([]models.WindowStats, 0, len(routes))
	for _, route := range routes {
		stats, err := c.WindowStats(ctx, route)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// Routes lists routes with a window
func (c *SLOClassifier) Routes(ctx context.Context) ([]string, error) {
	routes, err := c.windows.Routes(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(routes)
	return routes, nil
}

func summarize(route string, samples []models.WindowSample) models.WindowStats {
	stats := models.WindowStats{Route: route, Samples: len(samples)}
	for _, s := range samples {
		if s.Class == models.SLOBreach {
			stats.Breach++
		} else {
			stats.Good++
		}
	}
	if stats.Samples > 0 {
		stats.BreachRatio = float64(stats.Breach) / float64(stats.Samples)
	}
	return stats
}
