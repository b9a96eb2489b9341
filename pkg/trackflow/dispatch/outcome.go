package dispatch

import "fmt"

// State is the lifecycle position of a dispatch context.
type State int32

// States. Delivered and Failed are terminal.
const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateDelivered
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateRetrying:
		return "retrying"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Reason explains a failed outcome.
type Reason string

// Failure reasons.
const (
	ReasonNone               Reason = ""
	ReasonDroppedByPlugin    Reason = "dropped-by-plugin"
	ReasonPluginError        Reason = "plugin-error"
	ReasonBacklogExceeded    Reason = "backlog-exceeded"
	ReasonMessageTooLarge    Reason = "message-too-large"
	ReasonMaxRetriesExceeded Reason = "max-retries-exceeded"
	ReasonRejectedByEndpoint Reason = "rejected-by-endpoint"
	ReasonShutdown           Reason = "shutdown"
	ReasonShutdownTimeout    Reason = "shutdown-timeout"
)

// Outcome is the terminal result of one tracking call.
type Outcome struct {
	State  State
	Reason Reason

	// Err is the last error observed, if any.
	Err error

	// BatchID identifies the batch the event was last sent in.
	BatchID string

	// Attempts is the number of transport calls made for the batch.
	Attempts int

	// StatusCode is the last HTTP status received, 0 if none.
	StatusCode int
}

// Delivered reports whether the event reached the endpoint.
func (o Outcome) Delivered() bool {
	return o.State == StateDelivered
}

// String formats the outcome for logs.
func (o Outcome) String() string {
	if o.State == StateDelivered {
		return fmt.Sprintf("delivered (batch %s, attempts %d)", o.BatchID, o.Attempts)
	}
	if o.Err != nil {
		return fmt.Sprintf("%s: %s: %v", o.State, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.State, o.Reason)
}

// Failed builds a failed outcome.
func Failed(reason Reason, err error) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Err: err}
}
