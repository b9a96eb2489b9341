package delivery_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trackflow/pkg/trackflow/delivery"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

func TestBreakerTransport_OpensOnConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	next := delivery.TransportFunc(func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
		calls.Add(1)
		return &delivery.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}}, nil
	})

	bt := delivery.NewBreakerTransport(next, delivery.BreakerConfig{
		ConsecutiveFailures: 3,
		Timeout:             time.Minute,
	}, nil)

	for i := 0; i < 3; i++ {
		resp, err := bt.Send(context.Background(), "http://x", &delivery.Request{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	assert.Equal(t, "open", bt.State())

	_, err := bt.Send(context.Background(), "http://x", &delivery.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tferrors.ErrBreakerOpen))
	assert.True(t, tferrors.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not call the transport")
}

func TestBreakerTransport_SuccessResetsCount(t *testing.T) {
	var fail atomic.Bool
	next := delivery.TransportFunc(func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
		if fail.Load() {
			return nil, errors.New("reset by peer")
		}
		return &delivery.Response{StatusCode: http.StatusOK}, nil
	})

	bt := delivery.NewBreakerTransport(next, delivery.BreakerConfig{ConsecutiveFailures: 2}, nil)

	fail.Store(true)
	_, err := bt.Send(context.Background(), "http://x", &delivery.Request{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, tferrors.ErrBreakerOpen))

	fail.Store(false)
	_, err = bt.Send(context.Background(), "http://x", &delivery.Request{})
	require.NoError(t, err)

	fail.Store(true)
	_, _ = bt.Send(context.Background(), "http://x", &delivery.Request{})
	assert.Equal(t, "closed", bt.State())
}

func TestBreakerTransport_ClientErrorsDoNotTrip(t *testing.T) {
	next := delivery.TransportFunc(func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
		return &delivery.Response{StatusCode: http.StatusBadRequest}, nil
	})
	bt := delivery.NewBreakerTransport(next, delivery.BreakerConfig{ConsecutiveFailures: 1}, nil)

	for i := 0; i < 5; i++ {
		resp, err := bt.Send(context.Background(), "http://x", &delivery.Request{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Equal(t, "closed", bt.State())
}

func TestBreakerTransport_EngineSeesRetryable(t *testing.T) {
	next := delivery.TransportFunc(func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	bt := delivery.NewBreakerTransport(next, delivery.BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Minute}, nil)
	engine := delivery.NewEngine(delivery.EngineConfig{}, bt)

	first := engine.Deliver(context.Background(), newBatch(t, 1))
	assert.Equal(t, delivery.Retryable, first.Kind)

	second := engine.Deliver(context.Background(), newBatch(t, 1))
	assert.Equal(t, delivery.Retryable, second.Kind)
	assert.True(t, errors.Is(second.Err, tferrors.ErrBreakerOpen))
}
