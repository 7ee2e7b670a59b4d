package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for provider calls.
var (
	// ErrRateLimited indicates the provider throttled the request (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates the call did not finish within its deadline.
	ErrTimeout = errors.New("provider call timed out")

	// ErrUnavailable indicates a 5xx or connection-level failure.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrInvalidRequest indicates the provider rejected the request as malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAuth indicates missing or rejected credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrEmptyResponse indicates the provider returned no usable text.
	ErrEmptyResponse = errors.New("empty response")
)

// ProviderError wraps provider failures with call context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "generate").
	Op string

	// Model is the model identifier the call targeted.
	Model string

	// Status is the HTTP status, when one was received.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s %s: status %d: %v", e.Op, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s %s: %v", e.Op, e.Model, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited returns true if the error indicates throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTimeout returns true if the error indicates a call deadline was hit.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a server-side failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTransient reports whether err is worth retrying: timeouts, rate limits
// and 5xx/connection failures.
func IsTransient(err error) bool {
	return IsRateLimited(err) || IsTimeout(err) || IsUnavailable(err)
}

// classifyStatus maps a non-2xx HTTP status to a sentinel.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrInvalidRequest
	}
}

// classifyTransport maps a client-side transport error to a sentinel. A
// cancelled parent context is returned unchanged so callers can tell it apart
// from a per-call timeout.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
