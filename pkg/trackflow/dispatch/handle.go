package dispatch

import (
	"context"

	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
)

// Handle is the caller's read-only view of a dispatch context.
// It resolves exactly once, and every awaiter observes the same outcome.
type Handle struct {
	c *Context
}

// MessageID returns the message ID of the tracked envelope.
func (h *Handle) MessageID() string {
	return h.c.MessageID()
}

// Envelope returns a copy of the envelope as it was sealed for delivery.
// Nil for calls rejected before an envelope was built.
func (h *Handle) Envelope() *envelope.Envelope {
	return h.c.env.Clone()
}

// State returns the current state.
func (h *Handle) State() State {
	return h.c.State()
}

// Done returns a channel that is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} {
	return h.c.done
}

// Await blocks until the outcome is known or ctx is done.
func (h *Handle) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-h.c.done:
		return h.c.result(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Result returns the outcome and true if it is known, or false otherwise.
func (h *Handle) Result() (Outcome, bool) {
	select {
	case <-h.c.done:
		return h.c.result(), true
	default:
		return Outcome{}, false
	}
}

// OnDone runs cb on its own goroutine once the outcome is known.
func (h *Handle) OnDone(cb func(Outcome)) {
	go func() {
		<-h.c.done
		cb(h.c.result())
	}()
}
