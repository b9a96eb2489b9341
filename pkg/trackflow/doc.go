/*
Package trackflow is a client-side analytics event dispatcher.

# Overview

Application code describes tracking calls with typed variants (Identify,
Track, Page, Group, Alias, Screen). Each call is validated and turned into
an envelope, passed through an ordered plugin chain, queued into batches,
and posted to an ingestion endpoint with retries. Every call returns a
Handle that resolves exactly once to delivered or failed.

# Basic Usage

	client, err := trackflow.New("WRITE_KEY")
	if err != nil {
	    log.Fatal(err)
	}
	defer client.Close()

	h, err := client.Track(ctx, trackflow.Track{
	    Identity:   trackflow.Identity{UserID: "u_123"},
	    Event:      "Order Completed",
	    Properties: map[string]any{"total": 42.5},
	})
	if err != nil {
	    // validation failure or client closed
	}

	outcome, err := h.Await(ctx)
	fmt.Println(outcome) // delivered (batch ..., attempts 1)

Waiting on a handle is optional; most callers fire and forget.

# Outcomes

A call fails synchronously only when it is invalid (*errors.ValidationError)
or arrives after CloseAndFlush (*errors.ShutdownError). Everything else is
reported through the handle:

  - dropped-by-plugin, plugin-error: the plugin chain refused the envelope
  - backlog-exceeded, message-too-large: the queue refused it
  - rejected-by-endpoint: a non-retryable 4xx, or a per-item rejection
  - max-retries-exceeded: every retry hit a transient failure
  - shutdown-timeout: CloseAndFlush gave up waiting

Transient failures (timeouts, network errors, 5xx, 429) are retried with
exponential backoff and never surface on their own.

# Plugins

Plugins enrich or filter envelopes before they are queued:

	client.Register(plugin.ContextEnricher{Values: map[string]any{"app": "shop"}})
	client.Register(plugin.DropEvents{"Heartbeat"})

# Lifecycle Events

On and OnAll subscribe to delivered, failed, retry, http_request,
call_after_close, drain, register, and deregister events. Handlers run on
their own goroutine and never slow delivery down; events a full subscriber
cannot take are logged and dropped.

CloseAndFlush leaves subscribers running so calls made after it still
report call_after_close. Close flushes the same way and then stops every
subscriber once its buffered events are handled.

# Configuration

Settings can be loaded from YAML or JSON with the config package and passed
to NewFromConfig; options given to NewFromConfig override the file.
*/
package trackflow
