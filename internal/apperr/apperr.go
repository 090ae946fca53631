// Package apperr defines the stable error taxonomy shared across every
// component of the forge. Handlers never leak raw driver or stack-trace text
// to callers; they map a Kind to an HTTP status and a safe message instead.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, comparable error category. New Kinds should be added
// sparingly — callers switch on these values to decide retry/backoff/refund
// behavior, so churn here ripples through the gateway and scheduler.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindConflict          Kind = "CONFLICT"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindUpstreamFailed    Kind = "UPSTREAM_FAILED"
	KindSettlementFailed  Kind = "COST_SETTLEMENT_FAILED"
	KindTimeout           Kind = "TIMEOUT"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindPaymentRequired   Kind = "PAYMENT_REQUIRED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the concrete error type returned by every internal package.
// Message must be safe to show a caller; Cause is kept for logging/Unwrap
// only and is never serialized back in an API response.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that chains a lower-level cause. Use this at
// adapter boundaries (store, runtime, redis) so callers further up the
// stack can still errors.Is/As through to the original failure.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is
// not an *Error or wraps no *Error in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err's Kind (or a wrapped Error's Kind) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
