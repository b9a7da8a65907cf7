package odata

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthenticationError reports a failed OAuth2 token exchange. It is never
// retried automatically.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ODataError reports a protocol, transport, or HTTP failure during a query.
// StatusCode is zero for transport-level failures.
type ODataError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ODataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ODataError) Unwrap() error { return e.Err }

// RateLimited reports whether this error is a 429 response. Retry
// eligibility is decided on this tag, never on message text.
func (e *ODataError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RateLimitError is returned when 429 responses persisted through every
// configured retry.
type RateLimitError struct {
	Retries int
	Err     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded after %d retries", e.Retries)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// isRateLimited reports whether err is a retryable 429 classification.
func isRateLimited(err error) bool {
	var oe *ODataError
	return errors.As(err, &oe) && oe.RateLimited()
}
