package envelope

import (
	"maps"
	"time"
)

// Call is one of the typed tracking call variants.
// The set is closed: only the variants in this package implement it.
type Call interface {
	// CallType returns the envelope type the call produces.
	CallType() Type

	apply(env *Envelope)
	options() Options
}

// Identity carries the caller identity of an identity-bearing call.
// Exactly one of UserID and AnonymousID must be set.
type Identity struct {
	UserID      string `json:"userId" validate:"required_without=AnonymousID,excluded_with=AnonymousID"`
	AnonymousID string `json:"anonymousId" validate:"required_without=UserID,excluded_with=UserID"`
}

// Options are the fields shared by every call variant.
type Options struct {
	// Context is merged into the envelope context. context.library is always
	// set by the builder.
	Context map[string]any `json:"context"`

	// Integrations selects destinations. Defaults to an empty object.
	Integrations map[string]any `json:"integrations"`

	// Timestamp overrides the creation time. Zero means now.
	Timestamp time.Time `json:"timestamp"`
}

// Identify ties a user to their traits.
type Identify struct {
	Identity
	Options
	Traits map[string]any `json:"traits"`
}

// Track records an action the user performed.
type Track struct {
	Identity
	Options
	Event      string         `json:"event" validate:"required"`
	Properties map[string]any `json:"properties"`
}

// Page records a page view.
type Page struct {
	Identity
	Options
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	Properties map[string]any `json:"properties"`
}

// Screen records a mobile screen view.
type Screen struct {
	Identity
	Options
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// Group associates a user with a group.
type Group struct {
	Identity
	Options
	GroupID string         `json:"groupId" validate:"required"`
	Traits  map[string]any `json:"traits"`
}

// Alias merges two user identities.
type Alias struct {
	Options
	UserID     string `json:"userId" validate:"required"`
	PreviousID string `json:"previousId" validate:"required"`
}

// CallType implements Call.
func (Identify) CallType() Type { return TypeIdentify }

// CallType implements Call.
func (Track) CallType() Type { return TypeTrack }

// CallType implements Call.
func (Page) CallType() Type { return TypePage }

// CallType implements Call.
func (Screen) CallType() Type { return TypeScreen }

// CallType implements Call.
func (Group) CallType() Type { return TypeGroup }

// CallType implements Call.
func (Alias) CallType() Type { return TypeAlias }

func (c Identify) options() Options { return c.Options }
func (c Track) options() Options    { return c.Options }
func (c Page) options() Options     { return c.Options }
func (c Screen) options() Options   { return c.Options }
func (c Group) options() Options    { return c.Options }
func (c Alias) options() Options    { return c.Options }

func (id Identity) apply(env *Envelope) {
	env.UserID = id.UserID
	env.AnonymousID = id.AnonymousID
}

func (c Identify) apply(env *Envelope) {
	c.Identity.apply(env)
	env.Traits = maps.Clone(c.Traits)
}

func (c Track) apply(env *Envelope) {
	c.Identity.apply(env)
	env.Event = c.Event
	env.Properties = maps.Clone(c.Properties)
}

func (c Page) apply(env *Envelope) {
	c.Identity.apply(env)
	env.Name = c.Name
	env.Category = c.Category
	env.Properties = maps.Clone(c.Properties)
}

func (c Screen) apply(env *Envelope) {
	c.Identity.apply(env)
	env.Name = c.Name
	env.Properties = maps.Clone(c.Properties)
}

func (c Group) apply(env *Envelope) {
	c.Identity.apply(env)
	env.GroupID = c.GroupID
	env.Traits = maps.Clone(c.Traits)
}

func (c Alias) apply(env *Envelope) {
	env.UserID = c.UserID
	env.PreviousID = c.PreviousID
}
