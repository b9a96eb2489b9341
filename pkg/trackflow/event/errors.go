package event

import (
	"fmt"
)

// EventError represents a failure in the event package.
type EventError struct {
	MessageID string // Envelope the error concerns, if any
	Message   string
	Err       error
}

// Error implements error interface.
func (e *EventError) Error() string {
	prefix := "event"
	if e.MessageID != "" {
		prefix = "message " + e.MessageID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}
