package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyStatus is the lifecycle state of a claimed key
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord represents one claimed or executed mutating request
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	Fingerprint    string            `json:"fingerprint"`
	Token          string            `json:"token"`
	Status         IdempotencyStatus `json:"status"`
	ResponseStatus int               `json:"response_status,omitempty"`
	ResponseBody   []byte            `json:"response_body,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the record no longer holds its key
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RateLimitDecision is the outcome of one check-and-increment
type RateLimitDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// BreakerStatus is the state of one circuit breaker
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the stored health of one named outbound resource.
// Version increases on every successful compare-and-swap.
type BreakerState struct {
	Name                string        `json:"name"`
	State               BreakerStatus `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	TrialStartedAt      time.Time     `json:"trial_started_at,omitempty"`
	Version             int64         `json:"version"`
}

// CounterRow is one (day, name, tag) counter value
type CounterRow struct {
	Day   string `json:"day"`
	Name  string `json:"name"`
	Tag   string `json:"tag,omitempty"`
	Value int64  `json:"value"`
}

// Key returns the dotted metric name including the tag, if any
func (c CounterRow) Key() string {
	if c.Tag == "" {
		return c.Name
	}
	return c.Name + "." + c.Tag
}

// SLOClass is the classification of a single request against its route budget
type SLOClass string

const (
	SLOGood   SLOClass = "good"
	SLOBreach SLOClass = "breach"
)

// WindowSample is one classified request outcome
type WindowSample struct {
	ID         string    `json:"id"`
	Route      string    `json:"route"`
	DurationMs int64     `json:"duration_ms"`
	Class      SLOClass  `json:"class"`
	At         time.Time `json:"at"`
}

// WindowStats summarizes the retained samples of one route
type WindowStats struct {
	Route       string  `json:"route"`
	Samples     int     `json:"samples"`
	Good        int     `json:"good"`
	Breach      int     `json:"breach"`
	BreachRatio float64 `json:"breach_ratio"`
	ThresholdMs int64   `json:"threshold_ms"`
}

// SLOThreshold is the per-route breach boundary
type SLOThreshold struct {
	Route       string    `json:"route"`
	ThresholdMs int64     `json:"threshold_ms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry represents one privileged or notable action
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	TS         time.Time       `json:"ts"`
	ActorType  string          `json:"actor_type"`
	ActorID    *string         `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID *string         `json:"resource_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// AuditFilter narrows an audit listing; empty fields match everything
type AuditFilter struct {
	ActorType  string
	Resource   string
	Action     string
	ResourceID string
}

// AuditPage is one page of a cursor walk through the ledger
type AuditPage struct {
	Rows         []AuditEntry `json:"rows"`
	NextBeforeTS *time.Time   `json:"next_before_ts,omitempty"`
}

// AuditCount is one (action, resource) group in audit stats
type AuditCount struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Count    int64  `json:"count"`
}

// AuditStats summarizes recent ledger activity
type AuditStats struct {
	Hours    int          `json:"hours"`
	Resource string       `json:"resource,omitempty"`
	Total    int64        `json:"total"`
	Counts   []AuditCount `json:"counts"`
}

// AlertWatch is a price alert subscription
type AlertWatch struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	CardID      string    `json:"card_id"`
	Kind        string    `json:"kind"`
	Threshold   float64   `json:"threshold"`
	Active      bool      `json:"active"`
	ManageToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertCursor positions a search page: rows strictly older than CreatedAt,
// or equally old with a smaller ID when ID is set
type AlertCursor struct {
	CreatedAt time.Time
	ID        *uuid.UUID
}

// AlertPage is one page of a card search, newest first
type AlertPage struct {
	Rows                []AlertWatch `json:"rows"`
	NextBeforeCreatedAt *time.Time   `json:"next_before_created_at,omitempty"`
	NextBeforeID        *uuid.UUID   `json:"next_before_id,omitempty"`
}

// Portfolio is a secret-protected collection of holdings.
// Exactly one of SecretHash or LegacySecret is expected to be set.
type Portfolio struct {
	ID           uuid.UUID `json:"id"`
	SecretHash   string    `json:"-"`
	LegacySecret string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
