// Package event delivers trackflow lifecycle notifications to subscribers.
//
// # Overview
//
// The delivery pipeline reports what happens to each envelope and batch as
// an Event: per-envelope terminal outcomes (delivered, failed), batch
// retries, every HTTP request, calls made after shutdown, plugin changes,
// and the final drain.
//
// # Bus
//
// LocalBus fans events out to subscribers. Each subscription owns a
// buffered channel and a goroutine, so a slow handler never stalls the
// pipeline. Emit never blocks: when a subscriber's buffer is full the event
// is dropped for that subscriber and reported to OnDrop.
//
//	bus := event.NewBus(event.BusConfig{BufferSize: 256})
//	defer bus.Close()
//
//	sub := bus.Subscribe([]event.Type{event.TypeFailed}, func(evt event.Event) {
//	    log.Printf("message %s failed: %s", evt.MessageID, evt.Reason)
//	})
//	defer sub.Unsubscribe()
//
// Close stops accepting events and waits for every subscriber to drain what
// it has already buffered.
//
// # Dead letters
//
// InMemoryDLQ keeps the sealed payload of envelopes that failed
// permanently so the application can inspect or re-send them. Wire it to a
// bus with Subscribe on TypeFailed, or use the client's dead-letter option.
package event
