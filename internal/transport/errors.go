package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned when a remote server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error (%d): %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status of a remote error, or 0
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether the server rejected the session or credentials
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsForbidden reports whether the server denied access to the resource
func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}
