// Package dispatch tracks each accepted tracking call from enqueue to its
// terminal outcome.
//
// A Context is owned by the pipeline. It holds the sealed wire bytes of one
// envelope and is resolved exactly once. Callers observe it through a
// read-only Handle.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
)

// Context is the per-event tracking record.
type Context struct {
	env        *envelope.Envelope
	raw        []byte
	enqueuedAt time.Time

	state atomic.Int32

	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	outcome Outcome
	hooks   []func(Outcome)
}

// New seals env and returns a pending context. The envelope is marshaled
// once here; later mutation of env does not change what is sent.
func New(env *envelope.Envelope) (*Context, error) {
	if env == nil {
		return nil, fmt.Errorf("dispatch: nil envelope")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("dispatch: seal envelope %s: %w", env.MessageID, err)
	}
	return &Context{
		env:        env,
		raw:        raw,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}, nil
}

// Rejected returns a context that is already resolved with outcome.
// It is used for calls that never enter the queue.
func Rejected(env *envelope.Envelope, outcome Outcome) *Context {
	c := &Context{
		env:        env,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	c.Resolve(outcome)
	return c
}

// MessageID returns the envelope's message ID.
func (c *Context) MessageID() string {
	if c.env == nil {
		return ""
	}
	return c.env.MessageID
}

// Type returns the envelope's call type.
func (c *Context) Type() envelope.Type {
	if c.env == nil {
		return ""
	}
	return c.env.Type
}

// Raw returns the sealed JSON encoding of the envelope.
func (c *Context) Raw() []byte {
	return c.raw
}

// Size returns the sealed size in bytes.
func (c *Context) Size() int {
	return len(c.raw)
}

// EnqueuedAt returns when the context was created.
func (c *Context) EnqueuedAt() time.Time {
	return c.enqueuedAt
}

// State returns the current state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// SetState moves a non-terminal context to s. Terminal states are reached
// only through Resolve. Returns false if the context is already terminal.
func (c *Context) SetState(s State) bool {
	if s.Terminal() {
		return false
	}
	for {
		cur := State(c.state.Load())
		if cur.Terminal() {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// Resolve completes the context with o. Only the first call has an effect;
// it returns true if this call resolved the context.
func (c *Context) Resolve(o Outcome) bool {
	if !o.State.Terminal() {
		o.State = StateFailed
	}

	var (
		resolved bool
		hooks    []func(Outcome)
	)
	c.once.Do(func() {
		resolved = true

		c.mu.Lock()
		c.outcome = o
		c.state.Store(int32(o.State))
		hooks = c.hooks
		c.hooks = nil
		close(c.done)
		c.mu.Unlock()
	})

	for _, fn := range hooks {
		fn(o)
	}
	return resolved
}

// OnResolve registers fn to run synchronously on the resolving goroutine.
// If the context is already resolved, fn runs immediately. fn must not block.
func (c *Context) OnResolve(fn func(Outcome)) {
	c.mu.Lock()
	select {
	case <-c.done:
		o := c.outcome
		c.mu.Unlock()
		fn(o)
		return
	default:
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Handle returns the caller-facing view of c.
func (c *Context) Handle() *Handle {
	return &Handle{c: c}
}

func (c *Context) result() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}
