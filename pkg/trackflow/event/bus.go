package event

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Bus provides pub/sub lifecycle event distribution with fan-out support.
type Bus interface {
	Emitter

	// Subscribe creates a subscription for specific event types.
	Subscribe(types []Type, handler Handler) Subscription

	// SubscribeAll subscribes to all events.
	SubscribeAll(handler Handler) Subscription

	// Close stops the bus and waits for subscribers to drain.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Buffered events are still handled.
	Unsubscribe()

	// Pause temporarily stops delivery. Events arriving while paused are
	// discarded.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// OnDrop is called when an event is dropped because a subscriber's
	// buffer is full.
	OnDrop func(evt Event, subscriberID string)

	// OnPanic is called when a handler panics. The subscriber keeps running.
	OnPanic func(evt Event, subscriberID string, recovered any)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// LocalBus is an in-memory Bus.
type LocalBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[Type]map[string]*subscription
	wildcards     map[string]*subscription
	closed        bool

	nextID atomic.Int64
	wg     sync.WaitGroup
}

var _ Bus = (*LocalBus)(nil)

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}

	return &LocalBus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[Type]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
	}
}

type subscription struct {
	id      string
	types   []Type
	handler Handler
	events  chan Event
	paused  atomic.Bool
	bus     *LocalBus
	once    sync.Once
}

// Emit sends evt to every matching subscriber without blocking.
// Events emitted after Close are discarded.
func (b *LocalBus) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.byType[evt.Type] {
		b.deliver(sub, evt)
	}
	for _, sub := range b.wildcards {
		b.deliver(sub, evt)
	}
}

// deliver must be called with b.mu held for reading.
func (b *LocalBus) deliver(sub *subscription, evt Event) {
	if sub.paused.Load() {
		return
	}
	select {
	case sub.events <- evt:
	default:
		if b.config.OnDrop != nil {
			b.config.OnDrop(evt, sub.id)
		}
	}
}

// Subscribe creates a subscription for specific event types.
// Returns nil if the bus is closed.
func (b *LocalBus) Subscribe(types []Type, handler Handler) Subscription {
	if len(types) == 0 {
		return b.subscribe(nil, handler)
	}
	return b.subscribe(types, handler)
}

// SubscribeAll subscribes to all events.
// Returns nil if the bus is closed.
func (b *LocalBus) SubscribeAll(handler Handler) Subscription {
	return b.subscribe(nil, handler)
}

func (b *LocalBus) subscribe(types []Type, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || handler == nil {
		return nil
	}

	sub := &subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		types:   types,
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		bus:     b,
	}

	b.subscriptions[sub.id] = sub
	if len(types) == 0 {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	b.wg.Add(1)
	go sub.process()

	return sub
}

// Close stops the bus and waits for every subscriber to finish the events
// it has already buffered.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subscriptions {
		b.removeLocked(id, sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// removeLocked detaches sub and closes its channel. Must hold b.mu.
func (b *LocalBus) removeLocked(id string, sub *subscription) {
	delete(b.subscriptions, id)
	delete(b.wildcards, id)
	for _, t := range sub.types {
		if typeSubs, ok := b.byType[t]; ok {
			delete(typeSubs, id)
		}
	}
	sub.once.Do(func() { close(sub.events) })
}

// process handles events until the subscription's channel is closed.
func (s *subscription) process() {
	defer s.bus.wg.Done()
	for evt := range s.events {
		if s.paused.Load() {
			continue
		}
		s.handle(evt)
	}
}

func (s *subscription) handle(evt Event) {
	defer func() {
		if r := recover(); r != nil && s.bus.config.OnPanic != nil {
			s.bus.config.OnPanic(evt, s.id, r)
		}
	}()
	s.handler(evt)
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s.id, s)
}

// Pause temporarily stops delivery.
func (s *subscription) Pause() {
	s.paused.Store(true)
}

// Resume continues delivery after pause.
func (s *subscription) Resume() {
	s.paused.Store(false)
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	return s.paused.Load()
}
