package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// AuditStore is the durable append-only ledger
type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, f models.AuditFilter, limit int, before *time.Time) (*models.AuditPage, error)
	AuditStats(ctx context.Context, resource string, since time.Time) ([]models.AuditCount, error)
}

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 500

	maxDetailsBytes  = 2000
	maxDetailsString = 256
)

var redactedKeys = map[string]bool{
	"secret":       true,
	"manage_token": true,
	"token":        true,
	"email":        true,
	"password":     true,
}

// AuditLedger appends audit entries without blocking callers on durability
type AuditLedger struct {
	store    AuditStore
	counters CounterSink
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
	failures prometheus.Counter
	inflight sync.WaitGroup
}

// NewAuditLedger creates an audit ledger writing to store in the background
func NewAuditLedger(store AuditStore, counters CounterSink, reg prometheus.Registerer, logger *zap.Logger) *AuditLedger {
	return &AuditLedger{
		store:    store,
		counters: counters,
		logger:   logger.With(logging.Component("audit")),
		timeout:  5 * time.Second,
		now:      time.Now,
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Audit entries that could not be written",
		}),
	}
}

// Record appends e in the background; failures are logged and counted
func (l *AuditLedger) Record(e models.AuditEntry) {
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		_ = l.Append(ctx, &e)
	}()
}

// Append writes e, filling its id and timestamp when unset
func (l *AuditLedger) Append(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	}
	if err := l.store.AppendAudit(ctx, e); err != nil {
		l.failures.Inc()
		l.counters.Increment(ctx, "audit.append_error", "", 1)
		l.logger.Error("audit append failed",
			zap.String("action", e.Action), zap.String("resource", e.Resource), zap.Error(err))
		return err
	}
	return nil
}

// Wait blocks until every background append has finished
func (l *AuditLedger) Wait() {
	l.inflight.Wait()
}

// ClampAuditLimit applies the default and maximum page sizes
func ClampAuditLimit(limit int) int {
	if limit <= 0 {
		return DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		return MaxAuditLimit
	}
	return limit
}

// List returns one page of entries newer-first, strictly older than before when set
func (l *AuditLedger) List(ctx context.Context, f models.AuditFilter, limit int, before *time.Time) (*models.AuditPage, error) {
	page, err := l.store.ListAudit(ctx, f, ClampAuditLimit(limit), before)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return page, nil
}

// Stats counts entries over the last hours (clamped to 1..168)
func (l *AuditLedger) Stats(ctx context.Context, resource string, hours int) (*models.AuditStats, error) {
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	since := l.now().Add(-time.Duration(hours) * time.Hour)
	counts, err := l.store.AuditStats(ctx, resource, since)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	stats := &models.AuditStats{Hours: hours, Resource: resource, Counts: counts}
	for _, c := range counts {
		stats.Total += c.Count
	}
	return stats, nil
}

// NewAuditEntry builds an entry with redacted, size-capped details
func NewAuditEntry(actorType, actorID, action, resource, resourceID string, details map[string]any) models.AuditEntry {
	e := models.AuditEntry{
		ActorType: actorType,
		Action:    action,
		Resource:  resource,
		Details:   RedactDetails(details),
	}
	if actorID != "" {
		e.ActorID = &actorID
	}
	if resourceID != "" {
		e.ResourceID = &resourceID
	}
	return e
}

// RedactDetails masks sensitive keys, shortens long strings and caps the encoded size
func RedactDetails(details map[string]any) json.RawMessage {
	if len(details) == 0 {
		return nil
	}
	raw, err := json.Marshal(redactValue(details))
	if err != nil {
		return json.RawMessage(`{"unencodable":true}`)
	}
	if len(raw) > maxDetailsBytes {
		return json.RawMessage(fmt.Sprintf(`{"truncated":true,"bytes":%d}`, len(raw)))
	}
	return raw
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactedKeys[strings.ToLower(k)] {
				out[k] = "[redacted]"
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	case string:
		if r := []rune(t); len(r) > maxDetailsString {
			return string(r[:maxDetailsString])
		}
		return t
	default:
		return v
	}
}
