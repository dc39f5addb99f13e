package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for the orchestration pipeline. Components wrap these
// with context via %w; callers classify with errors.Is or the helper
// predicates below.
var (
	// ErrCapabilityMismatch reports a request asking a model for a
	// feature its capability set does not include.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrMissingCredentials reports that no API key could be resolved
	// for a provider.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrProviderNotConfigured reports a request routed to a provider
	// with no registered adapter.
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrCircuitOpen reports a call rejected because the provider's
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// TransportError describes one failed provider call. Retryable marks
// transient failures (timeouts, 5xx, rate limits) that the retry
// executor may attempt again; terminal failures surface immediately.
type TransportError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transport error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s transport error: %s", e.Provider, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewRetryableTransport builds a transient transport failure.
func NewRetryableTransport(provider string, statusCode int, message string) *TransportError {
	return &TransportError{Provider: provider, StatusCode: statusCode, Message: message, Retryable: true}
}

// NewTerminalTransport builds a permanent transport failure.
func NewTerminalTransport(provider string, statusCode int, message string) *TransportError {
	return &TransportError{Provider: provider, StatusCode: statusCode, Message: message, Retryable: false}
}

// RetryExhaustedError reports that every permitted attempt failed with a
// retryable error. LastErr is the failure from the final attempt.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// RetryableStatusCode reports whether an HTTP status warrants a retry:
// 429 rate limiting and the transient 5xx family.
func RetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient failure the retry
// executor may attempt again. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Retryable
	}

	// Network-level timeouts (dial, TLS, response header) are
	// transient.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsCancelled reports whether err stems from context cancellation or
// deadline expiry anywhere down the chain.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRateLimited reports whether err is an HTTP 429 from a provider.
func IsRateLimited(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) && transportErr.StatusCode == 429
}

// RetryAfter extracts a provider-suggested wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}
	return 0, false
}

// RateLimitError is a 429 carrying the provider's suggested wait.
type RateLimitError struct {
	TransportError
	RetryAfter time.Duration
}

// Unwrap exposes the embedded TransportError so errors.As keeps
// classifying a rate-limit failure as a transport failure.
func (e *RateLimitError) Unwrap() error { return &e.TransportError }
