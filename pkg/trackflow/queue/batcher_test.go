package queue_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
	"github.com/randalmurphal/trackflow/pkg/trackflow/queue"
)

// collector records emitted batches.
type collector struct {
	mu      sync.Mutex
	batches []*dispatch.Batch
	ch      chan *dispatch.Batch
}

func newCollector() *collector {
	return &collector{ch: make(chan *dispatch.Batch, 1024)}
}

func (c *collector) emit(b *dispatch.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	c.ch <- b
}

func (c *collector) all() []*dispatch.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*dispatch.Batch(nil), c.batches...)
}

func (c *collector) next(t *testing.T, timeout time.Duration) *dispatch.Batch {
	t.Helper()
	select {
	case b := <-c.ch:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

var builder = envelope.NewBuilder()

func track(t *testing.T, props map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := builder.Build(envelope.Track{
		Identity:   envelope.Identity{UserID: "u1"},
		Event:      "e",
		Properties: props,
	})
	require.NoError(t, err)
	return env
}

func longConfig() queue.Config {
	cfg := queue.DefaultConfig
	cfg.FlushInterval = time.Hour
	return cfg
}

func TestEnqueue_CutsAtFlushAt(t *testing.T) {
	col := newCollector()
	cfg := longConfig()
	cfg.FlushAt = 3
	b := queue.New(cfg, col.emit)

	for i := 0; i < 7; i++ {
		c, err := b.Enqueue(track(t, nil))
		require.NoError(t, err)
		assert.Equal(t, dispatch.StatePending, c.State())
	}

	batches := col.all()
	require.Len(t, batches, 2)
	assert.Equal(t, 3, batches[0].Len())
	assert.Equal(t, 3, batches[1].Len())
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 7, b.Backlog())
}

func TestEnqueue_PreservesOrderWithinBatch(t *testing.T) {
	col := newCollector()
	cfg := longConfig()
	cfg.FlushAt = 5
	b := queue.New(cfg, col.emit)

	var ids []string
	for i := 0; i < 5; i++ {
		c, err := b.Enqueue(track(t, nil))
		require.NoError(t, err)
		ids = append(ids, c.MessageID())
	}

	batch := col.next(t, time.Second)
	assert.Equal(t, ids, batch.MessageIDs())
}

func TestEnqueue_CutsBeforeExceedingBytes(t *testing.T) {
	col := newCollector()
	cfg := longConfig()
	cfg.FlushAt = 100
	cfg.MaxEventBytes = 1000
	cfg.MaxBatchBytes = 2000
	b := queue.New(cfg, col.emit)

	pad := strings.Repeat("x", 600)
	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(track(t, map[string]any{"pad": pad}))
		require.NoError(t, err)
	}
	b.Flush()

	total := 0
	for _, batch := range col.all() {
		assert.LessOrEqual(t, batch.Bytes, cfg.MaxBatchBytes)
		assert.Equal(t, len(batch.Body()), batch.Bytes)
		total += batch.Len()
	}
	assert.Equal(t, 5, total)
	assert.Greater(t, len(col.all()), 1)
}

func TestEnqueue_FlushInterval(t *testing.T) {
	col := newCollector()
	cfg := queue.DefaultConfig
	cfg.FlushInterval = 30 * time.Millisecond
	b := queue.New(cfg, col.emit)

	_, err := b.Enqueue(track(t, nil))
	require.NoError(t, err)
	_, err = b.Enqueue(track(t, nil))
	require.NoError(t, err)

	batch := col.next(t, time.Second)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, 0, b.Pending())
}

func TestEnqueue_StaleTimerDoesNotCutNewBuffer(t *testing.T) {
	col := newCollector()
	cfg := queue.DefaultConfig
	cfg.FlushInterval = 50 * time.Millisecond
	b := queue.New(cfg, col.emit)

	_, err := b.Enqueue(track(t, nil))
	require.NoError(t, err)
	b.Flush()
	col.next(t, time.Second)

	// A new item re-arms the timer; it must not flush before its own interval.
	_, err = b.Enqueue(track(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Pending())

	batch := col.next(t, time.Second)
	assert.Equal(t, 1, batch.Len())
}

func TestEnqueue_MessageTooLarge(t *testing.T) {
	col := newCollector()
	cfg := longConfig()
	cfg.MaxEventBytes = 256
	b := queue.New(cfg, col.emit)

	c, err := b.Enqueue(track(t, map[string]any{"pad": strings.Repeat("x", 512)}))
	var tooLarge *tferrors.MessageTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 256, tooLarge.Limit)

	out, ok := c.Handle().Result()
	require.True(t, ok)
	assert.Equal(t, dispatch.StateFailed, out.State)
	assert.Equal(t, dispatch.ReasonMessageTooLarge, out.Reason)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 0, b.Backlog())
}

func TestEnqueue_BacklogExceeded(t *testing.T) {
	col := newCollector()
	cfg := longConfig()
	cfg.MaxBacklog = 2
	b := queue.New(cfg, col.emit)

	c1, err := b.Enqueue(track(t, nil))
	require.NoError(t, err)
	_, err = b.Enqueue(track(t, nil))
	require.NoError(t, err)

	c3, err := b.Enqueue(track(t, nil))
	var overflow *tferrors.QueueOverflowError
	require.ErrorAs(t, err, &overflow)
	out, _ := c3.Handle().Result()
	assert.Equal(t, dispatch.ReasonBacklogExceeded, out.Reason)

	// Resolving an accepted context frees a backlog slot.
	c1.Resolve(dispatch.Outcome{State: dispatch.StateDelivered})
	assert.Equal(t, 1, b.Backlog())
	_, err = b.Enqueue(track(t, nil))
	assert.NoError(t, err)
}

func TestClose_FlushesAndRejects(t *testing.T) {
	col := newCollector()
	b := queue.New(longConfig(), col.emit)

	_, err := b.Enqueue(track(t, nil))
	require.NoError(t, err)
	b.Close()
	b.Close()

	require.Len(t, col.all(), 1)
	assert.True(t, b.Closed())

	c, err := b.Enqueue(track(t, nil))
	var shutdown *tferrors.ShutdownError
	require.ErrorAs(t, err, &shutdown)
	out, ok := c.Handle().Result()
	require.True(t, ok)
	assert.Equal(t, dispatch.ReasonShutdown, out.Reason)
}

func TestFlush_EmptyIsNoop(t *testing.T) {
	col := newCollector()
	b := queue.New(longConfig(), col.emit)
	b.Flush()
	assert.Empty(t, col.all())
}

func TestEnqueue_UnserializableAfterPlugins(t *testing.T) {
	col := newCollector()
	b := queue.New(longConfig(), col.emit)

	env := track(t, nil)
	env.Properties = map[string]any{"fn": func() {}}

	c, err := b.Enqueue(env)
	var valErr *tferrors.ValidationError
	require.ErrorAs(t, err, &valErr)
	out, ok := c.Handle().Result()
	require.True(t, ok)
	assert.Equal(t, dispatch.ReasonPluginError, out.Reason)
	assert.Equal(t, env.MessageID, c.MessageID())
}

func TestEnqueue_ConcurrentNoLossNoDuplication(t *testing.T) {
	col := newCollector()
	cfg := queue.DefaultConfig
	cfg.FlushAt = 7
	cfg.FlushInterval = 5 * time.Millisecond
	b := queue.New(cfg, col.emit)

	const workers = 8
	const perWorker = 50

	var mu sync.Mutex
	accepted := make(map[string]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				env, err := builder.Build(envelope.Track{Identity: envelope.Identity{UserID: "u"}, Event: "e"})
				if err != nil {
					t.Error(err)
					return
				}
				c, err := b.Enqueue(env)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				accepted[c.MessageID()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	b.Close()

	seen := make(map[string]int)
	for _, batch := range col.all() {
		assert.LessOrEqual(t, batch.Len(), cfg.FlushAt)
		for _, id := range batch.MessageIDs() {
			seen[id]++
		}
	}

	assert.Len(t, seen, workers*perWorker)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s batched %d times", id, n)
		assert.True(t, accepted[id])
	}
}

func TestConfig_Normalize(t *testing.T) {
	b := queue.New(queue.Config{MaxBatchBytes: 100, MaxEventBytes: 500, MaxBacklog: -1}, func(*dispatch.Batch) {})
	cfg := b.Config()

	assert.Equal(t, queue.DefaultConfig.FlushAt, cfg.FlushAt)
	assert.Equal(t, 100-dispatch.FramingBytes, cfg.MaxEventBytes)
	assert.Equal(t, queue.DefaultConfig.FlushInterval, cfg.FlushInterval)
	assert.Equal(t, 0, cfg.MaxBacklog)
}
