package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

// BreakerConfig configures the transport circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	// Default: 1
	MaxRequests uint32

	// Interval clears the closed-state counts. Zero never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Default: 30s
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	// Default: 5
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig provides reasonable defaults.
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:         1,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 5,
}

// errServerStatus marks a 5xx response so the breaker counts it as a failure
// while the response still reaches the Engine.
var errServerStatus = errors.New("server error status")

// BreakerTransport wraps a Transport with a circuit breaker. Network errors
// and 5xx responses count as failures. An open breaker rejects the send with
// a NetworkError wrapping errors.ErrBreakerOpen.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next.
func NewBreakerTransport(next Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultBreakerConfig.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig.Timeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig.ConsecutiveFailures
	}

	settings := gobreaker.Settings{
		Name:        "trackflow-ingest",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}
		},
	}

	return &BreakerTransport{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the breaker state name (closed, half-open, open).
func (t *BreakerTransport) State() string {
	return t.cb.State().String()
}

// Send implements Transport.
func (t *BreakerTransport) Send(ctx context.Context, url string, req *Request) (*Response, error) {
	var resp *Response
	_, err := t.cb.Execute(func() (interface{}, error) {
		var err error
		resp, err = t.next.Send(ctx, url, req)
		if err != nil {
			return nil, err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &tferrors.NetworkError{
			Op:  "send batch",
			Err: fmt.Errorf("%w: %v", tferrors.ErrBreakerOpen, err),
		}
	case errors.Is(err, errServerStatus):
		return resp, nil
	case err != nil:
		return nil, err
	}
	return resp, nil
}
