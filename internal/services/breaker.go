package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// ErrCircuitOpen is matched by errors.Is for every fast-failed call
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned instead of invoking the operation
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Guard runs outbound operations behind a named breaker
type Guard interface {
	Execute(ctx context.Context, name string, op func(context.Context) error) error
}

// BreakerStore persists breaker state with compare-and-swap semantics
type BreakerStore interface {
	// Load returns the stored state, or a closed state at version 0 when absent.
	Load(ctx context.Context, name string) (models.BreakerState, error)
	// CompareAndSwap writes next if the stored version equals next.Version,
	// storing it with version next.Version+1.
	CompareAndSwap(ctx context.Context, next models.BreakerState) (bool, error)
	List(ctx context.Context) ([]models.BreakerState, error)
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

const maxCASAttempts = 8

// BreakerRegistry keys breakers by resource name; all state lives in the store
type BreakerRegistry struct {
	store    BreakerStore
	cfg      BreakerConfig
	now      func() time.Time
	counters CounterSink
	logger   *zap.Logger
	state    *prometheus.GaugeVec
}

// NewBreakerRegistry creates a breaker registry and registers its state gauge on reg
func NewBreakerRegistry(store BreakerStore, cfg BreakerConfig, counters CounterSink, reg prometheus.Registerer, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		counters: counters,
		logger:   logger.With(logging.Component("breaker")),
		state: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per resource (0 closed, 1 half open, 2 open)",
		}, []string{"name"}),
	}
}

type admission struct {
	trial   bool
	trialAt time.Time
	skip    bool
}

// Execute runs op unless the named breaker is open. A fast fail returns
// *CircuitOpenError without calling op; any error from op counts as a failure.
func (b *BreakerRegistry) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	adm, err := b.admit(ctx, name)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	if !adm.skip {
		b.record(ctx, name, adm, opErr == nil)
	}
	return opErr
}

func (b *BreakerRegistry) admit(ctx context.Context, name string) (admission, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		st, err := b.store.Load(ctx, name)
		if err != nil {
			// an unreachable store must not block outbound traffic
			b.logger.Warn("breaker state unavailable, allowing call", logging.Breaker(name), zap.Error(err))
			return admission{skip: true}, nil
		}

		now := b.now()
		var retryAt time.Time
		switch st.State {
		case models.BreakerOpen:
			retryAt = st.OpenedAt.Add(b.cfg.Cooldown)
		case models.BreakerHalfOpen:
			// a trial older than the cooldown is presumed abandoned
			retryAt = st.TrialStartedAt.Add(b.cfg.Cooldown)
		default:
			return admission{}, nil
		}

		if now.Before(retryAt) {
			return admission{}, b.fastFail(ctx, name, retryAt)
		}

		next := st
		next.Name = name
		next.State = models.BreakerHalfOpen
		next.TrialStartedAt = now
		ok, err := b.store.CompareAndSwap(ctx, next)
		if err != nil {
			b.logger.Warn("breaker half-open transition failed", logging.Breaker(name), zap.Error(err))
			return admission{skip: true}, nil
		}
		if ok {
			b.state.WithLabelValues(name).Set(1)
			b.logger.Info("breaker half open, running trial", logging.Breaker(name))
			return admission{trial: true, trialAt: now}, nil
		}
	}
	return admission{}, b.fastFail(ctx, name, b.now().Add(b.cfg.Cooldown))
}

func (b *BreakerRegistry) fastFail(ctx context.Context, name string, retryAt time.Time) error {
	b.counters.Increment(ctx, "breaker.fast_fail", name, 1)
	return &CircuitOpenError{Name: name, RetryAt: retryAt}
}

func (b *BreakerRegistry) record(ctx context.Context, name string, adm admission, success bool) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		st, err := b.store.Load(ctx, name)
		if err != nil {
			b.logger.Warn("breaker state unavailable, outcome dropped", logging.Breaker(name), zap.Error(err))
			return
		}

		next := st
		next.Name = name
		event := ""
		switch {
		case adm.trial:
			if st.State != models.BreakerHalfOpen || st.TrialStartedAt.UnixMilli() != adm.trialAt.UnixMilli() {
				return
			}
			next.TrialStartedAt = time.Time{}
			if success {
				next.State = models.BreakerClosed
				next.ConsecutiveFailures = 0
				next.OpenedAt = time.Time{}
				event = "breaker.close"
			} else {
				next.State = models.BreakerOpen
				next.OpenedAt = b.now()
				event = "breaker.reopen"
			}
		case st.State != models.BreakerClosed:
			// tripped by a concurrent caller; this outcome is already accounted for
			return
		case success:
			if st.ConsecutiveFailures == 0 {
				return
			}
			next.ConsecutiveFailures = 0
		default:
			next.ConsecutiveFailures++
			if next.ConsecutiveFailures >= b.cfg.FailureThreshold {
				next.State = models.BreakerOpen
				next.OpenedAt = b.now()
				event = "breaker.open"
			}
		}

		ok, err := b.store.CompareAndSwap(ctx, next)
		if err != nil {
			b.logger.Warn("breaker update failed", logging.Breaker(name), zap.Error(err))
			return
		}
		if !ok {
			continue
		}

		b.state.WithLabelValues(name).Set(stateValue(next.State))
		if event != "" {
			b.counters.Increment(ctx, event, name, 1)
			b.logger.Info("breaker transition", logging.Breaker(name), zap.String("event", event),
				zap.Int("consecutive_failures", next.ConsecutiveFailures))
		}
		return
	}
	b.logger.Warn("breaker update gave up after contention", logging.Breaker(name))
}

// Snapshot lists every breaker the store knows about
func (b *BreakerRegistry) Snapshot(ctx context.Context) ([]models.BreakerState, error) {
	return b.store.List(ctx)
}

func stateValue(s models.BreakerStatus) float64 {
	switch s {
	case models.BreakerOpen:
		return 2
	case models.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
