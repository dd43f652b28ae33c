package waldur

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TransientError covers connect failures, timeouts and 5xx responses.
// Operations failing with it are safe to retry with backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient marketplace error: %v", e.Err)
	}
	return fmt.Sprintf("transient marketplace error: HTTP %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError is a 429 response. RetryAfter is zero when the server
// did not send a Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("marketplace rate limited (retry after %s)", e.RetryAfter)
}

// PermanentError is a non-retryable 4xx response.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("marketplace rejected request: HTTP %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	if errors.As(err, &te) || errors.As(err, &rl) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsConflict reports whether err is an HTTP 409. Duplicate approvals and
// state transitions surface as conflicts the marketplace already applied,
// so callers treat them as success.
func IsConflict(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Status == http.StatusConflict
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Status == http.StatusNotFound
}

// classifyStatus converts a non-2xx response into the error taxonomy.
func classifyStatus(status int, body string, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter}
	case status >= 500:
		return &TransientError{Status: status}
	default:
		return &PermanentError{Status: status, Body: body}
	}
}
