package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

// TimestampLayout is the ISO-8601 layout used for envelope timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Builder validates calls and constructs envelopes.
// A Builder is safe for concurrent use.
type Builder struct {
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock sets the wall clock used for timestamps (default: time.Now).
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator sets the message ID generator (default: random UUID).
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names so errors match the wire format.
	vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	b := &Builder{
		validate: vld,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates call and returns a fresh envelope.
// Validation failures are returned as *errors.ValidationError.
func (b *Builder) Build(call Call) (*Envelope, error) {
	if call == nil || reflect.ValueOf(call).Kind() == reflect.Ptr && reflect.ValueOf(call).IsNil() {
		return nil, &tferrors.ValidationError{Message: "call is nil"}
	}

	if err := b.validate.Struct(call); err != nil {
		return nil, translateValidation(err)
	}

	opts := call.options()
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}

	env := &Envelope{
		Type:         call.CallType(),
		Context:      maps.Clone(opts.Context),
		Integrations: maps.Clone(opts.Integrations),
		MessageID:    b.newID(),
		Timestamp:    ts.UTC().Format(TimestampLayout),
		Metadata:     Metadata(),
	}
	call.apply(env)

	if env.Context == nil {
		env.Context = make(map[string]any, 1)
	}
	env.Context["library"] = Library()
	if env.Integrations == nil {
		env.Integrations = map[string]any{}
	}

	if _, err := json.Marshal(env); err != nil {
		return nil, &tferrors.ValidationError{
			Message: fmt.Sprintf("payload is not JSON-serializable: %v", err),
		}
	}

	return env, nil
}

// translateValidation converts validator errors to a ValidationError naming
// the first failing field.
func translateValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &tferrors.ValidationError{Message: err.Error()}
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "required_without":
		msg = fmt.Sprintf("is required when %s is not set", jsonName(fe.Param()))
	case "excluded_with":
		msg = fmt.Sprintf("must not be set together with %s", jsonName(fe.Param()))
	default:
		msg = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return &tferrors.ValidationError{Field: fe.Field(), Message: msg}
}

// jsonName maps the Go field names used in validation params to wire names.
func jsonName(goName string) string {
	switch goName {
	case "UserID":
		return "userId"
	case "AnonymousID":
		return "anonymousId"
	default:
		return goName
	}
}
