package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/event"
	"github.com/randalmurphal/trackflow/pkg/trackflow/observability"
)

// ErrAborted is the outcome error for batches cut short by Abort.
var ErrAborted = errors.New("delivery aborted")

// DefaultMaxInFlight bounds concurrent transport calls when unset.
const DefaultMaxInFlight = 8

// Config configures a Dispatcher.
type Config struct {
	Retry tferrors.RetryConfig

	// MaxInFlight bounds batches concurrently inside the transport.
	// Default: 8
	MaxInFlight int
}

// DefaultConfig returns the standard retry policy with the default
// in-flight bound.
func DefaultConfig() Config {
	return Config{
		Retry:       tferrors.DefaultRetry,
		MaxInFlight: DefaultMaxInFlight,
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.spans = s
		}
	}
}

// WithEmitter sets where lifecycle events go.
func WithEmitter(e event.Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
		}
	}
}

// Dispatcher drives batches through delivery attempts and backoff until each
// member reaches a terminal outcome. Every batch runs on its own goroutine,
// so one batch waiting out a backoff never delays another.
type Dispatcher struct {
	engine *Engine
	cfg    Config
	sem    *semaphore.Weighted

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	emitter event.Emitter

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*dispatch.Batch
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering through engine.
func NewDispatcher(engine *Engine, cfg Config, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		engine:  engine,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		emitter: event.Discard,
		base:    base,
		cancel:  cancel,
		active:  make(map[string]*dispatch.Batch),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit starts delivering batch and returns immediately. After Abort the
// batch resolves failed with shutdown-timeout without a transport call.
func (d *Dispatcher) Submit(batch *dispatch.Batch) {
	if batch == nil || batch.Len() == 0 {
		return
	}

	d.mu.Lock()
	if d.base.Err() != nil {
		d.mu.Unlock()
		d.fail(batch, dispatch.ReasonShutdownTimeout, Result{Err: ErrAborted})
		return
	}
	d.active[batch.ID] = batch
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(batch)
}

// Schedule returns the backoff before the next attempt of a batch that has
// been attempted attempt times, and false once retries are exhausted.
func (d *Dispatcher) Schedule(_ *dispatch.Batch, attempt int) (time.Duration, bool) {
	if !d.cfg.Retry.Allows(attempt) {
		return 0, false
	}
	return d.cfg.Retry.Delay(attempt), true
}

// Wait blocks until every submitted batch is terminal or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels in-flight sends and pending backoffs. Affected batches
// resolve failed with shutdown-timeout. Abort is idempotent.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
}

// Aborted reports whether Abort was called.
func (d *Dispatcher) Aborted() bool {
	return d.base.Err() != nil
}

// InFlight returns the number of batches not yet terminal.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Pending returns the number of unresolved contexts across active batches.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, b := range d.active {
		n += len(b.Pending())
	}
	return n
}

func (d *Dispatcher) run(batch *dispatch.Batch) {
	defer func() {
		d.mu.Lock()
		delete(d.active, batch.ID)
		d.mu.Unlock()
		d.wg.Done()
	}()

	for {
		if err := d.sem.Acquire(d.base, 1); err != nil {
			d.fail(batch, dispatch.ReasonShutdownTimeout, Result{Err: ErrAborted})
			return
		}

		batch.Attempt++
		batch.SetState(dispatch.StateInFlight)
		res := d.attempt(batch)
		d.sem.Release(1)

		switch res.Kind {
		case Success:
			d.succeed(batch, res)
			return
		case Permanent:
			d.fail(batch, dispatch.ReasonRejectedByEndpoint, res)
			return
		}
		if !d.cfg.Retry.Retryable(res.Err) {
			d.fail(batch, dispatch.ReasonRejectedByEndpoint, res)
			return
		}

		if d.base.Err() != nil {
			d.fail(batch, dispatch.ReasonShutdownTimeout, res)
			return
		}

		delay, ok := d.Schedule(batch, batch.Attempt)
		if !ok {
			d.fail(batch, dispatch.ReasonMaxRetriesExceeded, res)
			return
		}
		if res.RetryAfter > 0 {
			delay = d.cfg.Retry.Clamp(res.RetryAfter)
		}

		batch.SetState(dispatch.StateRetrying)
		d.emitter.Emit(event.Event{
			Type:       event.TypeRetry,
			BatchID:    batch.ID,
			Attempt:    batch.Attempt,
			Size:       batch.Len(),
			StatusCode: res.StatusCode,
			Delay:      delay,
			Err:        res.Err,
		})
		observability.LogRetryScheduled(d.logger, batch.ID, batch.Attempt, delay, res.Err)
		d.metrics.RecordRetry(d.base)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.base.Done():
			timer.Stop()
			d.fail(batch, dispatch.ReasonShutdownTimeout, Result{StatusCode: res.StatusCode, Err: ErrAborted})
			return
		}
	}
}

// attempt makes one traced, logged transport call.
func (d *Dispatcher) attempt(batch *dispatch.Batch) Result {
	ctx, span := d.spans.StartDeliverySpan(d.base, batch.ID, batch.Len(), batch.Attempt)
	observability.LogDeliveryAttempt(d.logger, batch.ID, batch.Attempt, batch.Len())

	res := d.engine.Deliver(ctx, batch)

	d.metrics.RecordDelivery(ctx, res.Kind.String(), res.Duration, batch.Len())
	if !d.engine.Disabled() {
		d.emitter.Emit(event.Event{
			Type:       event.TypeHTTPRequest,
			BatchID:    batch.ID,
			Attempt:    batch.Attempt,
			Size:       batch.Len(),
			StatusCode: res.StatusCode,
			Duration:   res.Duration,
			URL:        d.engine.Endpoint(),
			Err:        res.Err,
		})
	}
	d.spans.EndSpanWithError(span, res.Err)
	return res
}

func (d *Dispatcher) succeed(batch *dispatch.Batch, res Result) {
	for _, c := range batch.Contexts {
		o := dispatch.Outcome{State: dispatch.StateDelivered, StatusCode: res.StatusCode}
		if reason, rejected := res.Rejected[c.MessageID()]; rejected {
			o = dispatch.Failed(dispatch.ReasonRejectedByEndpoint, &tferrors.HTTPError{
				StatusCode: res.StatusCode,
				Message:    reason,
				Endpoint:   d.engine.Endpoint(),
			})
			o.StatusCode = res.StatusCode
			observability.LogEnvelopeRejected(d.logger, c.MessageID(), string(dispatch.ReasonRejectedByEndpoint), o.Err)
		}
		d.resolve(batch, c, o)
	}
	observability.LogDeliveryComplete(d.logger, batch.ID, batch.Attempt, batch.Len(),
		res.StatusCode, float64(res.Duration.Microseconds())/1000)
}

func (d *Dispatcher) fail(batch *dispatch.Batch, reason dispatch.Reason, res Result) {
	o := dispatch.Failed(reason, res.Err)
	o.StatusCode = res.StatusCode
	for _, c := range batch.Contexts {
		d.resolve(batch, c, o)
	}
	observability.LogDeliveryError(d.logger, batch.ID, batch.Attempt, batch.Len(), string(reason), res.Err)
}

// resolve settles one member and reports it if this call resolved it.
func (d *Dispatcher) resolve(batch *dispatch.Batch, c *dispatch.Context, o dispatch.Outcome) {
	o.BatchID = batch.ID
	o.Attempts = batch.Attempt
	if !c.Resolve(o) {
		return
	}

	d.metrics.RecordResolved(d.base, o.State.String(), string(o.Reason))

	evt := event.Event{
		Type:       event.TypeDelivered,
		MessageID:  c.MessageID(),
		CallType:   string(c.Type()),
		BatchID:    batch.ID,
		Attempt:    batch.Attempt,
		StatusCode: o.StatusCode,
	}
	if o.State == dispatch.StateFailed {
		evt.Type = event.TypeFailed
		evt.Payload = c.Raw()
		evt.Reason = string(o.Reason)
		evt.Err = o.Err
	}
	d.emitter.Emit(evt)
}
