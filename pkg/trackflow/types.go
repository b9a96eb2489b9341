package trackflow

import (
	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
)

// Call variants, re-exported so callers only need this package.
type (
	Identify = envelope.Identify
	Track    = envelope.Track
	Page     = envelope.Page
	Group    = envelope.Group
	Alias    = envelope.Alias
	Screen   = envelope.Screen
	Identity = envelope.Identity
	Options  = envelope.Options
)

// Handle and Outcome are what a tracking call resolves to.
type (
	Handle  = dispatch.Handle
	Outcome = dispatch.Outcome
)

// Terminal states.
const (
	StateDelivered = dispatch.StateDelivered
	StateFailed    = dispatch.StateFailed
)

// Version is the library version reported in the User-Agent header.
const Version = envelope.Version
