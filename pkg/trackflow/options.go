package trackflow

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/trackflow/pkg/trackflow/config"
	"github.com/randalmurphal/trackflow/pkg/trackflow/delivery"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/event"
	"github.com/randalmurphal/trackflow/pkg/trackflow/plugin"
)

// clientConfig collects everything New needs. File-backed settings live in
// cfg; the rest can only be set in code.
type clientConfig struct {
	cfg config.Config

	logger    *slog.Logger
	transport delivery.Transport
	retry     *tferrors.RetryConfig
	plugins   []plugin.Plugin
	dlq       event.DeadLetterQueue
	bus       event.BusConfig

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	builderOpts []envelope.BuilderOption
}

// Option configures an Analytics client.
type Option func(*clientConfig)

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithTransport replaces the net/http transport. Tests use this to record
// requests without a network.
func WithTransport(t delivery.Transport) Option {
	return func(c *clientConfig) {
		c.transport = t
	}
}

// WithHost sets the ingestion host.
// Default: https://api.segment.io
func WithHost(host string) Option {
	return func(c *clientConfig) {
		c.cfg.Host = host
	}
}

// WithPath sets the ingestion path.
// Default: /v1/batch
func WithPath(path string) Option {
	return func(c *clientConfig) {
		c.cfg.Path = path
	}
}

// WithFlushAt sets the item count that cuts a batch.
// Default: 15
func WithFlushAt(n int) Option {
	return func(c *clientConfig) {
		c.cfg.FlushAt = n
	}
}

// WithFlushInterval sets how long the oldest pending event may wait.
// Default: 10s
func WithFlushInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		c.cfg.FlushInterval = d
	}
}

// WithMaxBatchBytes bounds the request body size.
// Default: 480 KiB
func WithMaxBatchBytes(n int) Option {
	return func(c *clientConfig) {
		c.cfg.MaxBatchBytes = n
	}
}

// WithMaxEventBytes bounds a single serialized event.
// Default: 32 KiB
func WithMaxEventBytes(n int) Option {
	return func(c *clientConfig) {
		c.cfg.MaxEventBytes = n
	}
}

// WithMaxBacklog limits accepted events not yet terminal. Zero means
// unlimited.
// Default: 10000
func WithMaxBacklog(n int) Option {
	return func(c *clientConfig) {
		c.cfg.MaxBacklog = n
	}
}

// WithMaxRetries sets the number of redeliveries after the first attempt.
// Default: 3
func WithMaxRetries(n int) Option {
	return func(c *clientConfig) {
		c.cfg.MaxRetries = n
	}
}

// WithRetry replaces the whole retry policy, including backoff factor,
// jitter, and a custom retryability check.
func WithRetry(cfg tferrors.RetryConfig) Option {
	return func(c *clientConfig) {
		c.retry = &cfg
	}
}

// WithHTTPTimeout bounds each delivery attempt.
// Default: 10s
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.cfg.HTTPTimeout = d
	}
}

// WithCloseTimeout bounds CloseAndFlush when its context has no deadline.
// Default: 30s
func WithCloseTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.cfg.CloseTimeout = d
	}
}

// WithMaxInFlight bounds concurrent transport calls.
// Default: 8
func WithMaxInFlight(n int) Option {
	return func(c *clientConfig) {
		c.cfg.MaxInFlight = n
	}
}

// WithDisable skips the network entirely; every event resolves delivered.
func WithDisable(disable bool) Option {
	return func(c *clientConfig) {
		c.cfg.Disable = disable
	}
}

// WithPartialRejection selects how 2xx responses listing rejected events
// are handled.
func WithPartialRejection(p delivery.PartialPolicy) Option {
	return func(c *clientConfig) {
		c.cfg.PartialRejection = p.String()
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
func WithMetrics(enabled bool) Option {
	return func(c *clientConfig) {
		c.cfg.Metrics = enabled
	}
}

// WithMeterProvider enables metrics on provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *clientConfig) {
		c.cfg.Metrics = true
		c.meterProvider = provider
	}
}

// WithTracing enables OpenTelemetry tracing on the global tracer provider.
func WithTracing(enabled bool) Option {
	return func(c *clientConfig) {
		c.cfg.Tracing = enabled
	}
}

// WithTracerProvider enables tracing on provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *clientConfig) {
		c.cfg.Tracing = true
		c.tracerProvider = provider
	}
}

// WithCircuitBreaker wraps the transport in a circuit breaker.
func WithCircuitBreaker(cfg config.BreakerConfig) Option {
	return func(c *clientConfig) {
		cfg.Enabled = true
		c.cfg.CircuitBreaker = cfg
	}
}

// WithPlugins registers plugins in order.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(c *clientConfig) {
		c.plugins = append(c.plugins, plugins...)
	}
}

// WithDeadLetterQueue stores failed events in dlq. The queue is fed from the
// lifecycle bus, so a burst larger than the bus buffer loses entries; each
// loss is logged. Raise BufferSize with WithBusConfig for bursty workloads.
func WithDeadLetterQueue(dlq event.DeadLetterQueue) Option {
	return func(c *clientConfig) {
		c.dlq = dlq
	}
}

// WithBusConfig configures the lifecycle event bus.
func WithBusConfig(cfg event.BusConfig) Option {
	return func(c *clientConfig) {
		c.bus = cfg
	}
}

// WithClock overrides the timestamp source for envelopes.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		c.builderOpts = append(c.builderOpts, envelope.WithClock(now))
	}
}
