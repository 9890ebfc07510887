// Package remote talks to the replicated record service: bounded existence
// queries per record kind, and the import-progress event stream that tells
// a device when its first download from the service has finished.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status classification. Match with errors.Is.
var (
	ErrUnexpectedStatus = errors.New("remote: unexpected status")
	ErrUnauthorized     = errors.New("remote: unauthorized")
	ErrThrottled        = errors.New("remote: throttled")
	ErrServerError      = errors.New("remote: server error")
)

// StatusError carries the HTTP status and response body of a failed query.
type StatusError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrUnexpectedStatus
	}
}
