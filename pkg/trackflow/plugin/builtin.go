package plugin

import (
	"context"
	"maps"
	"slices"

	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
)

// Func adapts a function to the Plugin interface.
func Func(name string, fn func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)) Plugin {
	return &funcPlugin{name: name, fn: fn}
}

type funcPlugin struct {
	name string
	fn   func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

func (f *funcPlugin) Name() string { return f.name }

func (f *funcPlugin) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return f.fn(ctx, env)
}

// ContextEnricher merges static keys into every envelope's context.
// Keys already present on the envelope win, and context.library is never
// overwritten.
type ContextEnricher struct {
	Values map[string]any
}

// Name implements Plugin.
func (ContextEnricher) Name() string { return "context-enricher" }

// Process implements Plugin.
func (p ContextEnricher) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if len(p.Values) == 0 {
		return env, nil
	}
	if env.Context == nil {
		env.Context = make(map[string]any, len(p.Values))
	}
	for k, v := range p.Values {
		if k == "library" {
			continue
		}
		if _, ok := env.Context[k]; !ok {
			env.Context[k] = v
		}
	}
	return env, nil
}

// DropTypes drops envelopes of the listed call types.
type DropTypes []envelope.Type

// Name implements Plugin.
func (DropTypes) Name() string { return "drop-types" }

// Process implements Plugin.
func (d DropTypes) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if slices.Contains(d, env.Type) {
		return nil, ErrDrop
	}
	return env, nil
}

// DropEvents drops track envelopes whose event name is listed.
type DropEvents []string

// Name implements Plugin.
func (DropEvents) Name() string { return "drop-events" }

// Process implements Plugin.
func (d DropEvents) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Type == envelope.TypeTrack && slices.Contains(d, env.Event) {
		return nil, ErrDrop
	}
	return env, nil
}

// DefaultIntegrations sets destination flags that the call did not set.
type DefaultIntegrations map[string]any

// Name implements Plugin.
func (DefaultIntegrations) Name() string { return "default-integrations" }

// Process implements Plugin.
func (d DefaultIntegrations) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	merged := maps.Clone(d)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, env.Integrations)
	env.Integrations = merged
	return env, nil
}
