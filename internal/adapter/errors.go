package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by adapters
var (
	ErrAuth            = errors.New("adapter authentication failed")
	ErrRateLimited     = errors.New("adapter rate limit exceeded")
	ErrMalformedRecord = errors.New("malformed usage record")
	ErrUnavailable     = errors.New("usage data unavailable")
)

// AdapterError wraps an error with channel and provider context
type AdapterError struct {
	Provider   string
	Channel    Channel
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s failed (HTTP %d): %s", e.Provider, e.Channel, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s %s failed: %s", e.Provider, e.Channel, e.Operation, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(provider string, channel Channel, operation string, statusCode int, message string, err error) *AdapterError {
	return &AdapterError{
		Provider:   provider,
		Channel:    channel,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsMalformedError checks if the error marks an unparseable record. Such
// records are skipped, never fatal to the channel.
func IsMalformedError(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}
