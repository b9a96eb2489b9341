package trackflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/trackflow/pkg/trackflow/config"
	"github.com/randalmurphal/trackflow/pkg/trackflow/delivery"
	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/event"
	"github.com/randalmurphal/trackflow/pkg/trackflow/observability"
	"github.com/randalmurphal/trackflow/pkg/trackflow/plugin"
	"github.com/randalmurphal/trackflow/pkg/trackflow/queue"
)

// abortGrace bounds the wait for aborted batches to settle after the close
// timeout fired.
const abortGrace = 5 * time.Second

// Analytics is the tracking client. It is safe for concurrent use.
type Analytics struct {
	cfg    config.Config
	logger *slog.Logger

	builder    *envelope.Builder
	plugins    *plugin.Pipeline
	batcher    *queue.Batcher
	engine     *delivery.Engine
	dispatcher *delivery.Dispatcher
	bus        *event.LocalBus
	metrics    observability.MetricsRecorder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	busOnce   sync.Once
}

// New creates a client for writeKey with default settings adjusted by opts.
func New(writeKey string, opts ...Option) (*Analytics, error) {
	cfg := config.Default()
	cfg.WriteKey = writeKey
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig creates a client from cfg adjusted by opts. The final
// configuration is validated.
func NewFromConfig(cfg config.Config, opts ...Option) (*Analytics, error) {
	cc := &clientConfig{cfg: cfg}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = slog.Default()
	}
	if cc.bus.OnDrop == nil {
		cc.bus.OnDrop = logDroppedEvent(cc.logger)
	}

	if err := cc.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trackflow: %w", err)
	}
	partial, err := delivery.ParsePartialPolicy(cc.cfg.PartialRejection)
	if err != nil {
		return nil, fmt.Errorf("trackflow: %w", err)
	}

	metrics, err := newMetrics(cc)
	if err != nil {
		return nil, fmt.Errorf("trackflow: metrics: %w", err)
	}

	pipeline, err := plugin.NewPipeline(cc.plugins...)
	if err != nil {
		return nil, fmt.Errorf("trackflow: %w", err)
	}

	a := &Analytics{
		cfg:     cc.cfg,
		logger:  cc.logger,
		builder: envelope.NewBuilder(cc.builderOpts...),
		plugins: pipeline,
		bus:     event.NewBus(cc.bus),
		metrics: metrics,
	}

	a.engine = delivery.NewEngine(delivery.EngineConfig{
		WriteKey: cc.cfg.WriteKey,
		Endpoint: delivery.JoinURL(cc.cfg.Host, cc.cfg.Path),
		Timeout:  cc.cfg.HTTPTimeout,
		Disable:  cc.cfg.Disable,
		Partial:  partial,
	}, newTransport(cc))

	a.dispatcher = delivery.NewDispatcher(a.engine, delivery.Config{
		Retry:       retryConfig(cc),
		MaxInFlight: cc.cfg.MaxInFlight,
	},
		delivery.WithLogger(cc.logger),
		delivery.WithMetrics(metrics),
		delivery.WithSpans(newSpans(cc)),
		delivery.WithEmitter(a.bus),
	)

	a.batcher = queue.New(queue.Config{
		FlushAt:       cc.cfg.FlushAt,
		MaxBatchBytes: cc.cfg.MaxBatchBytes,
		MaxEventBytes: cc.cfg.MaxEventBytes,
		FlushInterval: cc.cfg.FlushInterval,
		MaxBacklog:    cc.cfg.MaxBacklog,
	}, a.dispatcher.Submit, queue.WithLogger(cc.logger))

	if cc.dlq != nil {
		a.bus.Subscribe([]event.Type{event.TypeFailed}, deadLetterHandler(cc.dlq, cc.logger))
	}

	return a, nil
}

func newMetrics(cc *clientConfig) (observability.MetricsRecorder, error) {
	switch {
	case !cc.cfg.Metrics:
		return observability.NoopMetrics{}, nil
	case cc.meterProvider != nil:
		return observability.NewMetricsRecorderWithProvider(cc.meterProvider)
	default:
		return observability.NewMetricsRecorder(), nil
	}
}

func newSpans(cc *clientConfig) observability.SpanManager {
	switch {
	case !cc.cfg.Tracing:
		return observability.NoopSpanManager{}
	case cc.tracerProvider != nil:
		return observability.NewSpanManagerWithProvider(cc.tracerProvider)
	default:
		return observability.NewSpanManager()
	}
}

func newTransport(cc *clientConfig) delivery.Transport {
	t := cc.transport
	if t == nil {
		t = delivery.NewHTTPTransport()
	}
	if cb := cc.cfg.CircuitBreaker; cb.Enabled {
		t = delivery.NewBreakerTransport(t, delivery.BreakerConfig{
			MaxRequests:         uint32(cb.MaxRequests),
			Interval:            cb.Interval,
			Timeout:             cb.Timeout,
			ConsecutiveFailures: uint32(cb.ConsecutiveFailures),
		}, cc.logger)
	}
	return t
}

func retryConfig(cc *clientConfig) tferrors.RetryConfig {
	if cc.retry != nil {
		return *cc.retry
	}
	return tferrors.NewRetryConfig(
		tferrors.WithMaxRetries(cc.cfg.MaxRetries),
		tferrors.WithInitialBackoff(cc.cfg.InitialBackoff),
		tferrors.WithMaxBackoff(cc.cfg.MaxBackoff),
	)
}

func logDroppedEvent(logger *slog.Logger) func(event.Event, string) {
	return func(evt event.Event, subscriberID string) {
		logger.Warn("lifecycle event dropped",
			slog.String("event", string(evt.Type)),
			slog.String("message_id", evt.MessageID),
			slog.String("subscriber", subscriberID),
		)
	}
}

func deadLetterHandler(dlq event.DeadLetterQueue, logger *slog.Logger) event.Handler {
	return func(evt event.Event) {
		if err := dlq.Enqueue(context.Background(), event.NewFailedEvent(evt)); err != nil {
			logger.Error("dead letter enqueue failed",
				slog.String("message_id", evt.MessageID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Identify ties a user to their traits.
func (a *Analytics) Identify(ctx context.Context, call envelope.Identify) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Track records an action the user performed.
func (a *Analytics) Track(ctx context.Context, call envelope.Track) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Page records a page view.
func (a *Analytics) Page(ctx context.Context, call envelope.Page) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Group associates a user with a group.
func (a *Analytics) Group(ctx context.Context, call envelope.Group) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Alias merges two user identities.
func (a *Analytics) Alias(ctx context.Context, call envelope.Alias) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Screen records a mobile screen view.
func (a *Analytics) Screen(ctx context.Context, call envelope.Screen) (*dispatch.Handle, error) {
	return a.Enqueue(ctx, call)
}

// Enqueue builds, enriches, and queues call.
//
// A call that fails validation returns *errors.ValidationError and no
// handle. After CloseAndFlush the call returns *errors.ShutdownError with a
// handle already resolved failed/shutdown. Every other call returns a handle
// and a nil error; plugin drops and queue refusals (backlog, size) are
// reported through the handle's outcome.
func (a *Analytics) Enqueue(ctx context.Context, call envelope.Call) (*dispatch.Handle, error) {
	if a.closed.Load() {
		return a.afterClose(call)
	}

	env, err := a.builder.Build(call)
	if err != nil {
		return nil, err
	}

	enriched, err := a.plugins.Run(ctx, env)
	if err != nil {
		return a.pluginRejected(env, err), nil
	}

	c, err := a.batcher.Enqueue(enriched)
	if err != nil {
		var shutdown *tferrors.ShutdownError
		if errors.As(err, &shutdown) {
			a.emitCallAfterClose(c)
			a.settled(c)
			return c.Handle(), err
		}
		a.settled(c)
		return c.Handle(), nil
	}

	a.metrics.RecordEnqueued(ctx, string(c.Type()))
	return c.Handle(), nil
}

func (a *Analytics) afterClose(call envelope.Call) (*dispatch.Handle, error) {
	// The envelope is built only to give the handle a message ID.
	env, _ := a.builder.Build(call)

	op := "enqueue"
	if env != nil {
		op = string(env.Type)
	}
	shutdown := &tferrors.ShutdownError{Op: op}
	c := dispatch.Rejected(env, dispatch.Failed(dispatch.ReasonShutdown, shutdown))

	a.emitCallAfterClose(c)
	a.settled(c)
	return c.Handle(), shutdown
}

func (a *Analytics) emitCallAfterClose(c *dispatch.Context) {
	a.logger.Warn("call after close",
		slog.String("message_id", c.MessageID()),
		slog.String("type", string(c.Type())),
	)
	a.bus.Emit(event.Event{
		Type:      event.TypeCallAfterClose,
		MessageID: c.MessageID(),
		CallType:  string(c.Type()),
		Reason:    string(dispatch.ReasonShutdown),
	})
}

func (a *Analytics) pluginRejected(env *envelope.Envelope, err error) *dispatch.Handle {
	reason := dispatch.ReasonPluginError
	var drop *plugin.DropError
	if errors.As(err, &drop) {
		reason = dispatch.ReasonDroppedByPlugin
		observability.LogEnvelopeDropped(a.logger, env.MessageID, drop.Plugin)
	} else {
		observability.LogEnvelopeRejected(a.logger, env.MessageID, string(reason), err)
	}

	c := dispatch.Rejected(env, dispatch.Failed(reason, err))
	a.settled(c)
	return c.Handle()
}

// settled reports a context that was resolved before reaching the
// dispatcher.
func (a *Analytics) settled(c *dispatch.Context) {
	o, ok := c.Handle().Result()
	if !ok {
		return
	}
	a.metrics.RecordResolved(context.Background(), o.State.String(), string(o.Reason))
	a.bus.Emit(event.Event{
		Type:      event.TypeFailed,
		MessageID: c.MessageID(),
		CallType:  string(c.Type()),
		Payload:   c.Raw(),
		Reason:    string(o.Reason),
		Err:       o.Err,
	})
}

// Register appends a plugin to the chain.
func (a *Analytics) Register(p plugin.Plugin) error {
	if err := a.plugins.Register(p); err != nil {
		return err
	}
	a.bus.Emit(event.Event{Type: event.TypeRegister, Plugin: p.Name()})
	return nil
}

// Deregister removes the plugin named name.
func (a *Analytics) Deregister(name string) error {
	if err := a.plugins.Deregister(name); err != nil {
		return err
	}
	a.bus.Emit(event.Event{Type: event.TypeDeregister, Plugin: name})
	return nil
}

// Plugins returns the registered plugin names in order.
func (a *Analytics) Plugins() []string {
	return a.plugins.Names()
}

// On subscribes handler to one lifecycle event type. Handlers run on their
// own goroutine; a slow handler loses events rather than slowing delivery.
// Returns nil after Close.
func (a *Analytics) On(t event.Type, handler event.Handler) event.Subscription {
	return a.bus.Subscribe([]event.Type{t}, handler)
}

// OnAll subscribes handler to every lifecycle event.
func (a *Analytics) OnAll(handler event.Handler) event.Subscription {
	return a.bus.SubscribeAll(handler)
}

// Flush sends whatever is pending without waiting for a threshold.
func (a *Analytics) Flush() {
	a.batcher.Flush()
}

// Backlog returns the number of accepted events not yet terminal.
func (a *Analytics) Backlog() int {
	return a.batcher.Backlog()
}

// Config returns the effective configuration.
func (a *Analytics) Config() config.Config {
	return a.cfg
}

// CloseAndFlush stops accepting calls, sends everything pending, and waits
// for every event to reach a terminal outcome.
//
// If ctx has no deadline the configured close timeout applies. When the wait
// runs out, batches still retrying or in flight resolve failed with
// shutdown-timeout and the context error is returned. Only the first call
// does the work; later calls return its result.
func (a *Analytics) CloseAndFlush(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.shutdown(ctx)
	})
	return a.closeErr
}

func (a *Analytics) shutdown(ctx context.Context) error {
	elapsed := observability.TimedOperation()

	a.closed.Store(true)
	a.batcher.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.CloseTimeout)
		defer cancel()
	}

	unresolved := 0
	err := a.dispatcher.Wait(ctx)
	if err != nil {
		unresolved = a.dispatcher.Pending()
		a.dispatcher.Abort()

		graceCtx, cancel := context.WithTimeout(context.Background(), abortGrace)
		_ = a.dispatcher.Wait(graceCtx)
		cancel()
	}

	observability.LogShutdown(a.logger, unresolved, elapsed(), err)
	// The bus stays open until Close so later calls can still report
	// call_after_close.
	a.bus.Emit(event.Event{Type: event.TypeDrain, Err: err})
	return err
}

// Close runs CloseAndFlush with the configured close timeout if it has not
// run yet, then stops the lifecycle event bus. Subscribers handle the events
// already buffered, including drain, before Close returns. Calls made after
// Close still fail with *errors.ShutdownError, but call_after_close is no
// longer reported.
func (a *Analytics) Close() error {
	err := a.CloseAndFlush(context.Background())
	a.busOnce.Do(func() {
		_ = a.bus.Close()
	})
	return err
}
