package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/trackflow/pkg/trackflow/delivery"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/queue"
)

// DefaultCloseTimeout bounds CloseAndFlush when its context has no deadline.
const DefaultCloseTimeout = 30 * time.Second

// Partial rejection policy names.
const (
	PartialUniform = "uniform"
	PartialPerItem = "per_item"
)

// Config holds every client setting.
type Config struct {
	WriteKey string `yaml:"write_key" json:"write_key" validate:"required_unless=Disable true"`
	Host     string `yaml:"host" json:"host" validate:"required,url"`
	Path     string `yaml:"path" json:"path" validate:"required,startswith=/"`

	FlushAt       int           `yaml:"flush_at" json:"flush_at" validate:"gt=0"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval" validate:"gt=0"`
	MaxBatchBytes int           `yaml:"max_batch_bytes" json:"max_batch_bytes" validate:"gt=0"`
	MaxEventBytes int           `yaml:"max_event_bytes" json:"max_event_bytes" validate:"gt=0,ltfield=MaxBatchBytes"`
	MaxBacklog    int           `yaml:"max_backlog" json:"max_backlog" validate:"gte=0"`

	MaxRetries     int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gtefield=InitialBackoff"`

	HTTPTimeout  time.Duration `yaml:"http_timeout" json:"http_timeout" validate:"gt=0"`
	CloseTimeout time.Duration `yaml:"close_timeout" json:"close_timeout" validate:"gt=0"`
	MaxInFlight  int           `yaml:"max_in_flight" json:"max_in_flight" validate:"gt=0"`

	Disable          bool   `yaml:"disable" json:"disable"`
	PartialRejection string `yaml:"partial_rejection" json:"partial_rejection" validate:"oneof=uniform per_item"`

	Metrics bool `yaml:"metrics" json:"metrics"`
	Tracing bool `yaml:"tracing" json:"tracing"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// BreakerConfig configures the optional transport circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	MaxRequests         int           `yaml:"max_requests" json:"max_requests" validate:"gte=0"`
	Interval            time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	ConsecutiveFailures int           `yaml:"consecutive_failures" json:"consecutive_failures" validate:"gte=0"`
}

// Default returns the standard configuration with an empty write key.
func Default() Config {
	return Config{
		Host: delivery.DefaultHost,
		Path: delivery.DefaultPath,

		FlushAt:       queue.DefaultConfig.FlushAt,
		FlushInterval: queue.DefaultConfig.FlushInterval,
		MaxBatchBytes: queue.DefaultConfig.MaxBatchBytes,
		MaxEventBytes: queue.DefaultConfig.MaxEventBytes,
		MaxBacklog:    queue.DefaultConfig.MaxBacklog,

		MaxRetries:     tferrors.DefaultRetry.MaxRetries,
		InitialBackoff: tferrors.DefaultRetry.InitialBackoff,
		MaxBackoff:     tferrors.DefaultRetry.MaxBackoff,

		HTTPTimeout:  delivery.DefaultTimeout,
		CloseTimeout: DefaultCloseTimeout,
		MaxInFlight:  delivery.DefaultMaxInFlight,

		PartialRejection: PartialUniform,

		CircuitBreaker: BreakerConfig{
			MaxRequests:         int(delivery.DefaultBreakerConfig.MaxRequests),
			Timeout:             delivery.DefaultBreakerConfig.Timeout,
			ConsecutiveFailures: int(delivery.DefaultBreakerConfig.ConsecutiveFailures),
		},
	}
}

// FromValues overlays v onto Default. Keys that are missing or hold a value
// of the wrong type keep their default.
func FromValues(v Values) Config {
	cfg := Default()

	cfg.WriteKey = v.String("write_key", cfg.WriteKey)
	cfg.Host = v.String("host", cfg.Host)
	cfg.Path = v.String("path", cfg.Path)

	cfg.FlushAt = v.Int("flush_at", cfg.FlushAt)
	cfg.FlushInterval = v.Duration("flush_interval", cfg.FlushInterval)
	cfg.MaxBatchBytes = v.Int("max_batch_bytes", cfg.MaxBatchBytes)
	cfg.MaxEventBytes = v.Int("max_event_bytes", cfg.MaxEventBytes)
	cfg.MaxBacklog = v.Int("max_backlog", cfg.MaxBacklog)

	cfg.MaxRetries = v.Int("max_retries", cfg.MaxRetries)
	cfg.InitialBackoff = v.Duration("initial_backoff", cfg.InitialBackoff)
	cfg.MaxBackoff = v.Duration("max_backoff", cfg.MaxBackoff)

	cfg.HTTPTimeout = v.Duration("http_timeout", cfg.HTTPTimeout)
	cfg.CloseTimeout = v.Duration("close_timeout", cfg.CloseTimeout)
	cfg.MaxInFlight = v.Int("max_in_flight", cfg.MaxInFlight)

	cfg.Disable = v.Bool("disable", cfg.Disable)
	cfg.PartialRejection = strings.ToLower(v.String("partial_rejection", cfg.PartialRejection))

	cfg.Metrics = v.Bool("metrics", cfg.Metrics)
	cfg.Tracing = v.Bool("tracing", cfg.Tracing)

	cb := v.Sub("circuit_breaker")
	cfg.CircuitBreaker.Enabled = cb.Bool("enabled", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.MaxRequests = cb.Int("max_requests", cfg.CircuitBreaker.MaxRequests)
	cfg.CircuitBreaker.Interval = cb.Duration("interval", cfg.CircuitBreaker.Interval)
	cfg.CircuitBreaker.Timeout = cb.Duration("timeout", cfg.CircuitBreaker.Timeout)
	cfg.CircuitBreaker.ConsecutiveFailures = cb.Int("consecutive_failures", cfg.CircuitBreaker.ConsecutiveFailures)

	return cfg
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks every field. Each violation is reported as a
// *errors.ValidationError carrying the configuration key; several
// violations are joined.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, &tferrors.ValidationError{
			Field:   fieldPath(fe),
			Message: describe(fe),
		})
	}
	return errors.Join(errs...)
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless":
		return "is required"
	case "url":
		return "must be an absolute URL"
	case "startswith":
		return "must start with " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be negative"
	case "ltfield":
		return "must be smaller than max_batch_bytes"
	case "gtefield":
		return "must not be smaller than initial_backoff"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
