package llm

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrRateLimited means the backend returned 429
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrTimeout means the call exceeded its deadline
	ErrTimeout = errors.New("llm: request timed out")
	// ErrUpstream means the backend returned a 5xx status
	ErrUpstream = errors.New("llm: upstream error")
	// ErrMalformedResponse means the backend output failed the strict schema
	// decode. Treated as transient: re-asking a nondeterministic backend is
	// the only recovery.
	ErrMalformedResponse = errors.New("llm: malformed response")
	// ErrBadRequest covers non-retryable 4xx statuses
	ErrBadRequest = errors.New("llm: rejected request")
)

// IsTransient reports whether the error is worth retrying with backoff
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUpstream) || errors.Is(err, ErrMalformedResponse) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
