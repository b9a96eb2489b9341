// Package queue accumulates sealed envelopes into batches.
//
// A Batcher never blocks its callers. Batches are cut when the pending
// buffer reaches FlushAt items, when adding the next message would push the
// request body past MaxBatchBytes, when FlushInterval has elapsed since the
// oldest pending item arrived, or on an explicit Flush or Close. Each cut
// batch is handed to the emit callback, which must not block.
package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/observability"
)

// Flush triggers reported in logs.
const (
	TriggerSize     = "size"
	TriggerBytes    = "bytes"
	TriggerInterval = "interval"
	TriggerFlush    = "flush"
	TriggerClose    = "close"
)

// Config bounds batch size and backlog.
type Config struct {
	// FlushAt is the item count that cuts a batch.
	// Default: 15
	FlushAt int

	// MaxBatchBytes bounds the serialized request body.
	// Default: 480 KiB
	MaxBatchBytes int

	// MaxEventBytes bounds a single sealed envelope.
	// Default: 32 KiB
	MaxEventBytes int

	// FlushInterval cuts a batch this long after its oldest item arrived.
	// Default: 10s
	FlushInterval time.Duration

	// MaxBacklog limits accepted envelopes that have not yet reached a
	// terminal state. Zero means unlimited.
	// Default: 10000
	MaxBacklog int
}

// DefaultConfig provides the standard limits.
var DefaultConfig = Config{
	FlushAt:       15,
	MaxBatchBytes: 480 * 1024,
	MaxEventBytes: 32 * 1024,
	FlushInterval: 10 * time.Second,
	MaxBacklog:    10000,
}

func (c *Config) normalize() {
	if c.FlushAt <= 0 {
		c.FlushAt = DefaultConfig.FlushAt
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultConfig.MaxBatchBytes
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = DefaultConfig.MaxEventBytes
	}
	// A lone message must always fit in a batch.
	if limit := c.MaxBatchBytes - dispatch.FramingBytes; c.MaxEventBytes > limit {
		c.MaxEventBytes = limit
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultConfig.FlushInterval
	}
	if c.MaxBacklog < 0 {
		c.MaxBacklog = 0
	}
}

// EmitFunc receives each cut batch. It must not block.
type EmitFunc func(b *dispatch.Batch)

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the logger (default: none).
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// Batcher groups contexts into batches.
type Batcher struct {
	cfg    Config
	emit   EmitFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending []*dispatch.Context
	bytes   int
	timer   *time.Timer
	gen     uint64
	closed  bool

	backlog atomic.Int64
}

// New creates a Batcher that hands batches to emit.
func New(cfg Config, emit EmitFunc, opts ...Option) *Batcher {
	cfg.normalize()
	b := &Batcher{
		cfg:   cfg,
		emit:  emit,
		bytes: dispatch.FramingBytes,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Batcher) Config() Config {
	return b.cfg
}

// Enqueue seals env and adds it to the pending buffer.
//
// The returned context is never nil. When the envelope is refused, the
// context is already resolved as failed and the refusal is also returned as
// an error: *errors.ShutdownError after Close, *errors.MessageTooLargeError
// for oversized messages, *errors.QueueOverflowError when the backlog is full.
func (b *Batcher) Enqueue(env *envelope.Envelope) (*dispatch.Context, error) {
	c, err := dispatch.New(env)
	if err != nil {
		verr := &tferrors.ValidationError{Message: err.Error()}
		return b.reject(env, dispatch.ReasonPluginError, verr), verr
	}

	if c.Size() > b.cfg.MaxEventBytes {
		tooLarge := &tferrors.MessageTooLargeError{Size: c.Size(), Limit: b.cfg.MaxEventBytes}
		b.resolve(c, dispatch.ReasonMessageTooLarge, tooLarge)
		return c, tooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		shutdown := &tferrors.ShutdownError{Op: "enqueue"}
		b.resolve(c, dispatch.ReasonShutdown, shutdown)
		return c, shutdown
	}

	if limit := b.cfg.MaxBacklog; limit > 0 && b.backlog.Load() >= int64(limit) {
		overflow := &tferrors.QueueOverflowError{Limit: limit}
		b.resolve(c, dispatch.ReasonBacklogExceeded, overflow)
		return c, overflow
	}

	b.backlog.Add(1)
	c.OnResolve(func(dispatch.Outcome) { b.backlog.Add(-1) })

	size := c.Size()
	if len(b.pending) > 0 && b.bytes+1+size > b.cfg.MaxBatchBytes {
		b.cutLocked(TriggerBytes)
	}

	if len(b.pending) > 0 {
		b.bytes++
	}
	b.pending = append(b.pending, c)
	b.bytes += size

	if len(b.pending) == 1 {
		b.startTimerLocked()
	}
	if len(b.pending) >= b.cfg.FlushAt {
		b.cutLocked(TriggerSize)
	}

	return c, nil
}

// Flush cuts the pending buffer into a batch immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cutLocked(TriggerFlush)
}

// Close stops accepting envelopes and cuts whatever is pending.
// Subsequent Enqueue calls are refused with *errors.ShutdownError.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cutLocked(TriggerClose)
}

// Closed reports whether Close has been called.
func (b *Batcher) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pending returns the number of buffered contexts not yet cut into a batch.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Backlog returns the number of accepted contexts not yet terminal.
func (b *Batcher) Backlog() int {
	return int(b.backlog.Load())
}

func (b *Batcher) resolve(c *dispatch.Context, reason dispatch.Reason, err error) {
	c.Resolve(dispatch.Failed(reason, err))
	observability.LogEnvelopeRejected(b.logger, c.MessageID(), string(reason), err)
}

func (b *Batcher) reject(env *envelope.Envelope, reason dispatch.Reason, err error) *dispatch.Context {
	c := dispatch.Rejected(env, dispatch.Failed(reason, err))
	observability.LogEnvelopeRejected(b.logger, c.MessageID(), string(reason), err)
	return c
}

func (b *Batcher) startTimerLocked() {
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.FlushInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// A cut since the timer was armed makes this firing stale.
		if gen != b.gen {
			return
		}
		b.cutLocked(TriggerInterval)
	})
}

// cutLocked moves the pending buffer into a new batch and emits it.
// Must be called with b.mu held.
func (b *Batcher) cutLocked(trigger string) {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	batch := dispatch.NewBatch(b.pending)
	b.pending = nil
	b.bytes = dispatch.FramingBytes

	observability.LogBatchFlushed(b.logger, batch.ID, batch.Len(), batch.Bytes, trigger)
	b.emit(batch)
}
