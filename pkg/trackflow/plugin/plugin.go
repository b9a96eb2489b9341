// Package plugin runs envelopes through an ordered chain of enrichment
// plugins before they are queued for delivery.
//
// A plugin may return a modified envelope, drop the envelope with ErrDrop,
// or fail with any other error. Plugins are registered and removed by name
// while the client is running; each run sees a consistent snapshot.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
)

// ErrDrop is returned by a plugin to discard the envelope.
var ErrDrop = errors.New("envelope dropped by plugin")

// ErrDuplicate is returned when registering a name that is already present.
var ErrDuplicate = errors.New("plugin already registered")

// ErrNotFound is returned when deregistering an unknown name.
var ErrNotFound = errors.New("plugin not registered")

// Plugin transforms or filters envelopes.
type Plugin interface {
	// Name identifies the plugin for registration and logs.
	Name() string

	// Process returns the envelope to pass on. Returning ErrDrop, or a nil
	// envelope with a nil error, drops it.
	Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// Error reports a plugin failure other than a drop.
type Error struct {
	Plugin string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

// Unwrap returns the plugin's error.
func (e *Error) Unwrap() error {
	return e.Err
}

// DropError reports which plugin dropped an envelope.
type DropError struct {
	Plugin string
}

// Error implements error.
func (e *DropError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, ErrDrop)
}

// Is matches ErrDrop.
func (e *DropError) Is(target error) bool {
	return target == ErrDrop
}

// Pipeline is an ordered, concurrently usable plugin chain.
type Pipeline struct {
	mu      sync.Mutex
	plugins atomic.Pointer[[]Plugin]
}

// NewPipeline creates a pipeline with plugins in order.
// Duplicate names are rejected.
func NewPipeline(plugins ...Plugin) (*Pipeline, error) {
	p := &Pipeline{}
	empty := []Plugin{}
	p.plugins.Store(&empty)
	for _, pl := range plugins {
		if err := p.Register(pl); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register appends pl to the end of the chain.
func (p *Pipeline) Register(pl Plugin) error {
	if pl == nil {
		return fmt.Errorf("register: nil plugin")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := *p.plugins.Load()
	for _, existing := range cur {
		if existing.Name() == pl.Name() {
			return fmt.Errorf("register %q: %w", pl.Name(), ErrDuplicate)
		}
	}

	next := make([]Plugin, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, pl)
	p.plugins.Store(&next)
	return nil
}

// Deregister removes the plugin named name.
func (p *Pipeline) Deregister(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := *p.plugins.Load()
	next := make([]Plugin, 0, len(cur))
	found := false
	for _, pl := range cur {
		if pl.Name() == name {
			found = true
			continue
		}
		next = append(next, pl)
	}
	if !found {
		return fmt.Errorf("deregister %q: %w", name, ErrNotFound)
	}
	p.plugins.Store(&next)
	return nil
}

// Names returns the registered plugin names in order.
func (p *Pipeline) Names() []string {
	cur := *p.plugins.Load()
	names := make([]string, len(cur))
	for i, pl := range cur {
		names[i] = pl.Name()
	}
	return names
}

// Len returns the number of registered plugins.
func (p *Pipeline) Len() int {
	return len(*p.plugins.Load())
}

// Run passes env through every plugin in order.
//
// A drop stops the chain and returns a *DropError (errors.Is(err, ErrDrop)).
// Any other plugin failure returns a *Error. A panicking plugin is reported
// as a failure. The message ID is preserved across plugins.
func (p *Pipeline) Run(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("run: nil envelope")
	}

	messageID := env.MessageID
	for _, pl := range *p.plugins.Load() {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Plugin: pl.Name(), Err: err}
		}

		out, err := runOne(ctx, pl, env)
		if errors.Is(err, ErrDrop) || (err == nil && out == nil) {
			return nil, &DropError{Plugin: pl.Name()}
		}
		if err != nil {
			return nil, &Error{Plugin: pl.Name(), Err: err}
		}

		out.MessageID = messageID
		env = out
	}
	return env, nil
}

func runOne(ctx context.Context, pl Plugin, env *envelope.Envelope) (out *envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return pl.Process(ctx, env)
}
