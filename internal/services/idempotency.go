package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// ClaimOutcome is the result of claiming an idempotency key
type ClaimOutcome int

const (
	ClaimNew ClaimOutcome = iota
	ClaimReplay
	ClaimConflict
	ClaimInProgress
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimNew:
		return "new"
	case ClaimReplay:
		return "replay"
	case ClaimConflict:
		return "conflict"
	default:
		return "in_progress"
	}
}

// Claim is returned by IdempotencyManager.Claim.
// For ClaimNew, Record is the pending record owned by the caller.
// For ClaimReplay, Record carries the stored response.
type Claim struct {
	Outcome ClaimOutcome
	Record  *models.IdempotencyRecord
}

// ErrClaimLost is returned by Complete when the pending claim expired and the key moved on
var ErrClaimLost = errors.New("idempotency claim no longer held")

// IdempotencyStore is the durable fingerprint store.
// Every method is a single atomic operation against the backing store.
type IdempotencyStore interface {
	// Claim stores rec unless a live record already holds rec.Key.
	// It returns the live record for the key and whether rec was stored.
	Claim(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error)
	// Complete overwrites the pending record holding rec.Token with rec.
	Complete(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	// Release deletes the pending record holding token.
	Release(ctx context.Context, key, token string) error
	// Extend moves the expiry of the pending record holding rec.Token to rec.ExpiresAt.
	Extend(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
}

type IdempotencyConfig struct {
	// Retention is how long completed responses are replayed
	Retention time.Duration
	// PendingTTL bounds how long an abandoned claim blocks its key
	PendingTTL time.Duration
	// Wait bounds how long a duplicate waits for an in-flight original
	Wait         time.Duration
	PollInterval time.Duration
}

// IdempotencyManager claims keys, renews pending leases and stores completed responses
type IdempotencyManager struct {
	store  IdempotencyStore
	cfg    IdempotencyConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewIdempotencyManager creates an idempotency manager over store
func NewIdempotencyManager(store IdempotencyStore, cfg IdempotencyConfig, logger *zap.Logger) *IdempotencyManager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	return &IdempotencyManager{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(logging.Component("idempotency")),
	}
}

// Fingerprint hashes the parts of a request that must match for a replay
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Claim claims key for fingerprint. A duplicate of an in-flight request waits
// up to the configured Wait for the original to finish, then reports ClaimInProgress.
func (m *IdempotencyManager) Claim(ctx context.Context, key, fingerprint string) (*Claim, error) {
	wait := time.NewTimer(m.cfg.Wait)
	defer wait.Stop()

	for {
		now := m.now()
		rec := &models.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Token:       uuid.NewString(),
			Status:      models.IdempotencyPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.cfg.PendingTTL),
		}

		existing, claimed, err := m.store.Claim(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return &Claim{Outcome: ClaimNew, Record: rec}, nil
		}
		if existing.Fingerprint != fingerprint {
			return &Claim{Outcome: ClaimConflict, Record: existing}, nil
		}
		if existing.Status == models.IdempotencyCompleted {
			return &Claim{Outcome: ClaimReplay, Record: existing}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait.C:
			return &Claim{Outcome: ClaimInProgress, Record: existing}, nil
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// Complete stores the response for a ClaimNew claim
func (m *IdempotencyManager) Complete(ctx context.Context, claim *Claim, status int, contentType string, body []byte) error {
	if claim == nil || claim.Outcome != ClaimNew {
		return fmt.Errorf("complete: claim is not new")
	}
	now := m.now()
	rec := *claim.Record
	rec.Status = models.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ContentType = contentType
	rec.ResponseBody = append([]byte(nil), body...)
	rec.ExpiresAt = now.Add(m.cfg.Retention)

	ok, err := m.store.Complete(ctx, &rec)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if !ok {
		m.logger.Warn("pending claim lost before completion", logging.IdempotencyKey(rec.Key))
		return ErrClaimLost
	}
	*claim.Record = rec
	return nil
}

// Release frees a ClaimNew claim without storing a response so the key can be retried
func (m *IdempotencyManager) Release(ctx context.Context, claim *Claim) error {
	if claim == nil || claim.Outcome != ClaimNew {
		return nil
	}
	if err := m.store.Release(ctx, claim.Record.Key, claim.Record.Token); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Hold keeps a ClaimNew claim's pending lease alive until the returned stop func is called.
// The returned context is cancelled if the lease is lost, so the caller's work stops
// before another request can claim the key.
func (m *IdempotencyManager) Hold(ctx context.Context, claim *Claim) (context.Context, func()) {
	held, cancel := context.WithCancel(ctx)
	every := m.cfg.PendingTTL / 3
	if claim == nil || claim.Outcome != ClaimNew || every <= 0 {
		return held, cancel
	}

	rec := *claim.Record
	// the handler must stop before the last renewed expiry
	lease := time.NewTimer(rec.ExpiresAt.Sub(m.now()) - every/2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer lease.Stop()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-lease.C:
				m.logger.Warn("pending claim lease ran out", logging.IdempotencyKey(rec.Key))
				cancel()
				return
			case <-ticker.C:
			}

			next := rec
			next.ExpiresAt = m.now().Add(m.cfg.PendingTTL)
			extendCtx, cancelExtend := context.WithTimeout(context.WithoutCancel(held), every)
			ok, err := m.store.Extend(extendCtx, &next)
			cancelExtend()
			switch {
			case err != nil:
				// keep the old deadline and try again on the next tick
				m.logger.Warn("failed to extend pending claim", logging.IdempotencyKey(rec.Key), zap.Error(err))
			case !ok:
				m.logger.Warn("pending claim lost while running", logging.IdempotencyKey(rec.Key))
				cancel()
				return
			default:
				rec = next
				lease.Reset(m.cfg.PendingTTL - every/2)
			}
		}
	}()

	return held, func() {
		cancel()
		<-done
		claim.Record.ExpiresAt = rec.ExpiresAt
	}
}
