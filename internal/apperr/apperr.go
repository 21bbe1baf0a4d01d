// Package apperr defines the error kinds surfaced by the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry decisions
type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthorized
	Forbidden
	NotFound
	Conflict
	RateLimited
	CircuitOpen
	Upstream
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case CircuitOpen:
		return "circuit_open"
	case Upstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Stable error codes returned in the response envelope
const (
	CodeForbidden             = "forbidden"
	CodeAuthRequired          = "auth_required"
	CodeRateLimited           = "rate_limited"
	CodeValidationFailed      = "validation_failed"
	CodeInvalidBody           = "invalid_body"
	CodeThresholdInvalid      = "threshold_invalid"
	CodeRouteRequired         = "route_required"
	CodeInvalidRoute          = "invalid_route"
	CodeInvalidTS             = "invalid_ts"
	CodeIdempotencyConflict   = "idempotency_conflict"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeNotFound              = "not_found"
	CodeCircuitOpen           = "circuit_open"
	CodeMissingSignature      = "missing_signature"
	CodeBadSignature          = "bad_signature"
	CodeStale                 = "stale"
	CodeProviderError         = "provider_error"
	CodeInternal              = "internal_error"
)

// Error carries a kind and a machine-readable code
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind and code
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap attaches a kind and code to an underlying error
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// From extracts an *Error from err, falling back to an internal error
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, CodeInternal, err)
}

// Status maps a kind to its HTTP status code
func Status(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case CircuitOpen:
		return http.StatusServiceUnavailable
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later
func Retryable(kind Kind) bool {
	switch kind {
	case RateLimited, CircuitOpen, Upstream, Internal:
		return true
	default:
		return false
	}
}
