package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced by every adapter. Callers branch with the Is* helpers
// below, never on error strings. The taxonomy decides retry behavior:
//
//	AuthError, InsufficientFundsError, InvalidOrderError, NotSupportedError
//	    terminal for the operation; retrying cannot help.
//	RateLimitedError
//	    retry after the embedded delay.
//	TransientError
//	    network or exchange hiccup; bounded retry or loop restart.
//	FatalError
//	    configuration-class failure; stop the owning loop, do not restart.

// AuthError means the credential was rejected.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth rejected: " + e.Reason }

// RateLimitedError carries the exchange's requested backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InsufficientFundsError means the account cannot cover the order.
type InsufficientFundsError struct {
	Reason string
}

func (e *InsufficientFundsError) Error() string { return "insufficient funds: " + e.Reason }

// InvalidOrderError means the exchange refused the order parameters.
type InvalidOrderError struct {
	Reason string
}

func (e *InvalidOrderError) Error() string { return "invalid order: " + e.Reason }

// NotSupportedError means the adapter does not implement the operation.
type NotSupportedError struct {
	Op string
}

func (e *NotSupportedError) Error() string { return e.Op + ": not supported" }

// TransientError wraps a recoverable failure (disconnect, 5xx, timeout).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError wraps an unrecoverable failure (revoked key, banned IP,
// delisted market). Supervisors stop the affected loop permanently.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return "fatal: " + e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// RetryAfter returns the backoff requested by a rate-limit error, and
// whether err was one.
func RetryAfter(err error) (time.Duration, bool) {
	var e *RateLimitedError
	if errors.As(err, &e) {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsInsufficientFunds reports whether err is a balance rejection.
func IsInsufficientFunds(err error) bool {
	var e *InsufficientFundsError
	return errors.As(err, &e)
}

// IsInvalidOrder reports whether err is a parameter rejection.
func IsInvalidOrder(err error) bool {
	var e *InvalidOrderError
	return errors.As(err, &e)
}

// IsNotSupported reports whether err marks an unimplemented operation.
func IsNotSupported(err error) bool {
	var e *NotSupportedError
	return errors.As(err, &e)
}

// IsTransient reports whether err is worth retrying or restarting for.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// IsFatal reports whether err must stop the owning loop.
func IsFatal(err error) bool {
	var e *FatalError
	return errors.As(err, &e)
}

// Retryable reports whether a bounded retry may succeed: transient failures
// and rate limits qualify, everything else is terminal.
func Retryable(err error) bool {
	if IsTransient(err) {
		return true
	}
	_, limited := RetryAfter(err)
	return limited
}
