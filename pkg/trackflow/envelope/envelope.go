// Package envelope builds the canonical event records sent to the ingestion
// endpoint.
//
// Callers describe an event with one of the typed call variants (Identify,
// Track, Page, Group, Alias, Screen). A Builder validates the call and turns
// it into an Envelope stamped with a message ID, a timestamp, and the
// library identity.
package envelope

import (
	"maps"
	"runtime"
)

// Library identity stamped into context.library and the User-Agent header.
const (
	LibraryName = "trackflow"
	Version     = "0.4.0"
)

// Type is the semantic kind of a tracking call.
type Type string

// Call types.
const (
	TypeIdentify Type = "identify"
	TypeTrack    Type = "track"
	TypePage     Type = "page"
	TypeGroup    Type = "group"
	TypeAlias    Type = "alias"
	TypeScreen   Type = "screen"
)

// Types lists every supported call type.
var Types = []Type{TypeIdentify, TypeTrack, TypePage, TypeGroup, TypeAlias, TypeScreen}

// Envelope is the wire representation of one tracking call.
// Field names match the ingestion API exactly.
type Envelope struct {
	Type        Type   `json:"type"`
	UserID      string `json:"userId,omitempty"`
	AnonymousID string `json:"anonymousId,omitempty"`
	PreviousID  string `json:"previousId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Event       string `json:"event,omitempty"`
	Name        string `json:"name,omitempty"`
	Category    string `json:"category,omitempty"`

	Traits     map[string]any `json:"traits,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	Context      map[string]any `json:"context"`
	Integrations map[string]any `json:"integrations"`

	MessageID string         `json:"messageId"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"_metadata"`
}

// Clone returns a copy whose top-level maps are independent of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Traits = maps.Clone(e.Traits)
	c.Properties = maps.Clone(e.Properties)
	c.Context = maps.Clone(e.Context)
	c.Integrations = maps.Clone(e.Integrations)
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// Library returns the context.library block stamped on every envelope.
func Library() map[string]any {
	return map[string]any{
		"name":    LibraryName,
		"version": Version,
	}
}

// Metadata returns the _metadata block identifying the producing runtime.
func Metadata() map[string]any {
	return map[string]any{
		"goVersion": runtime.Version(),
	}
}

// UserAgent returns the User-Agent value for ingestion requests.
func UserAgent() string {
	return LibraryName + "/" + Version
}
