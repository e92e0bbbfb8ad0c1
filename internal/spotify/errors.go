package spotify

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the outbound-call taxonomy.
var (
	// ErrUnauthenticated is returned on a 401 response. Callers should
	// record a token failure; this layer never retries it.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned on a 403 response.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnavailable is returned for 5xx responses and network
	// failures. It is the only error class this layer retries, and the
	// only one that counts toward the circuit breaker.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// RateLimitError is returned on a 429 response. It carries the wait hint
// from the Retry-After header so callers can schedule their own backoff.
// Rate limits are not retried here and do not count as breaker failures.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// APIError is a permanent client error (4xx other than 401/403/429),
// surfaced as-is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spotify API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("spotify API error: status %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is in the retryable upstream-down class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// CountsAsBreakerFailure is the failure predicate fed to the circuit
// breaker: only transient upstream errors open it. Explicit 401/403/429
// and permanent client errors never do.
func CountsAsBreakerFailure(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
