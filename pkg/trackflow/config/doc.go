/*
Package config loads and validates trackflow client settings.

# Overview

Config is a flat struct covering the queue, delivery, retry, and
observability settings of an Analytics client. Default returns the standard
values; files only need the keys they change.

# File Loading

	cfg, err := config.FromFile("trackflow.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	client, err := trackflow.NewFromConfig(cfg)

A minimal YAML file:

	write_key: abc123
	flush_at: 20
	flush_interval: 5s
	max_retries: 5
	circuit_breaker:
	  enabled: true
	  timeout: 30s

# Type Coercion

Files are decoded into Values, which coerce loosely typed input:
  - durations accept Go duration strings ("30s", "1h30m") or numeric seconds
  - integers accept whole float64 values as produced by encoding/json

A key holding a value of the wrong type keeps its default. Range errors are
reported by Validate as *errors.ValidationError values keyed by the
configuration name (for example "max_event_bytes").
*/
package config
