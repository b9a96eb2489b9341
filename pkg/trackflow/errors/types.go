package errors

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen is reported when the transport circuit breaker rejects a send.
var ErrBreakerOpen = errors.New("circuit breaker open")

// HTTPError represents a non-2xx response from the ingestion endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ValidationError indicates a call variant failed validation and was never
// turned into an envelope.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeoutError indicates a delivery attempt did not get a response in time.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// NetworkError wraps a transport-level failure (connection refused, reset,
// DNS, breaker open). It is always transient.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// QueueOverflowError is returned when the backlog of undelivered events has
// reached its configured limit.
type QueueOverflowError struct {
	Limit int
}

// Error implements the error interface.
func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("backlog limit of %d events exceeded", e.Limit)
}

// ShutdownError is returned for calls made after the client or queue started
// shutting down.
type ShutdownError struct {
	Op string
}

// Error implements the error interface.
func (e *ShutdownError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s called after shutdown", e.Op)
	}
	return "called after shutdown"
}

// MessageTooLargeError is returned when a sealed envelope exceeds the
// per-message size limit.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

// Error implements the error interface.
func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}
