// Package apperr implements the error taxonomy of the platform: a closed
// set of error kinds, each mapping to an HTTP status and a WebSocket error
// frame code. Every service operation in internal/txn, internal/chat,
// internal/marketengine and internal/signaling returns one of these instead
// of an ad-hoc error, so the API layer never has to guess what status code
// a failure deserves.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one member of the closed error taxonomy.
type Kind string

const (
	KindAuth              Kind = "auth_error"
	KindPermission        Kind = "permission_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation_error"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindSafeguard         Kind = "safeguard"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal_error"
)

// HTTPStatus returns the status code this kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindSafeguard:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WSCloseAuthFailed is the close code for a failed WebSocket
// authentication; the only kind that closes the connection outright.
const WSCloseAuthFailed = 4001

// Error is the concrete error type every service operation returns.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a human-readable message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, preserving cause for %w chains
// and logging. cause's text is never surfaced for KindInternal.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Internal wraps an unexpected error with a correlation id for log
// correlation, hiding detail from the caller.
func Internal(correlationID string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", CorrelationID: correlationID, cause: cause}
}

// As extracts an *Error from err, or reports ok=false if err is not one of
// ours (callers should then treat it as KindInternal).
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From extracts an *Error from err, wrapping anything else as KindInternal
// so callers always have a kind to map to a status code or error frame.
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

// Public returns the message safe to hand back to a caller: the error's own
// message, unless it is InternalError, in which case detail is suppressed.
func (e *Error) Public() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}
