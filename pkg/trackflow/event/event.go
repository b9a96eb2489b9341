package event

import (
	"time"
)

// Type names a lifecycle event.
type Type string

// Lifecycle event types.
const (
	// TypeDelivered fires once per envelope accepted by the endpoint.
	TypeDelivered Type = "delivered"

	// TypeFailed fires once per envelope that reached a failed outcome.
	TypeFailed Type = "failed"

	// TypeRetry fires when a batch is scheduled for another attempt.
	TypeRetry Type = "retry"

	// TypeHTTPRequest fires after every transport call.
	TypeHTTPRequest Type = "http_request"

	// TypeCallAfterClose fires when a tracking call arrives after shutdown.
	TypeCallAfterClose Type = "call_after_close"

	// TypeDrain fires when close-and-flush finishes.
	TypeDrain Type = "drain"

	// TypeRegister and TypeDeregister fire on plugin changes.
	TypeRegister   Type = "register"
	TypeDeregister Type = "deregister"
)

// Event is one lifecycle notification. Fields not relevant to a type are
// left zero.
type Event struct {
	Type Type
	Time time.Time

	// Envelope fields.
	MessageID string
	CallType  string
	Payload   []byte

	// Batch fields.
	BatchID    string
	Attempt    int
	Size       int
	StatusCode int
	Delay      time.Duration
	Duration   time.Duration
	URL        string

	// Outcome fields.
	Reason string
	Err    error

	// Plugin is set on register and deregister.
	Plugin string
}

// Handler receives events on the subscriber's goroutine.
type Handler func(evt Event)

// Emitter accepts events for fan-out.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(evt Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
