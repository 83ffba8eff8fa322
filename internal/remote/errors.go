package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the remote message API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("remote: %s (%d)", e.Message, e.StatusCode)
}

// Retryable reports whether the failure is transient. Server-side
// errors, timeouts and throttling qualify; other 4xx rejections are
// terminal and must not consume retry budget.
func (e *Error) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies any error from this package: network-level
// failures are retryable, API rejections follow Error.Retryable.
func IsRetryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
