// Package remote is an HTTP client for the remote file store's public API:
// the folder/file metadata listing, raw file content, and the password token
// grant. Every call is attempted exactly once.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServerError  = errors.New("remote: server error")
	ErrUpstream     = errors.New("remote: upstream request failed")
)

// APIError wraps a sentinel error with the HTTP status code and the body the
// remote returned.
type APIError struct {
	StatusCode int
	Path       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: HTTP %d for %q: %s", e.StatusCode, e.Path, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return ErrUpstream
	}
}
