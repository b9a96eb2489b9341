package delivery_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trackflow/pkg/trackflow/delivery"
	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

var builder = envelope.NewBuilder()

func newBatch(t *testing.T, n int) *dispatch.Batch {
	t.Helper()
	ctxs := make([]*dispatch.Context, n)
	for i := range ctxs {
		env, err := builder.Build(envelope.Track{
			Identity: envelope.Identity{UserID: "u1"},
			Event:    "Order Completed",
		})
		require.NoError(t, err)
		c, err := dispatch.New(env)
		require.NoError(t, err)
		ctxs[i] = c
	}
	return dispatch.NewBatch(ctxs)
}

// respond returns a transport answering every call with status and body.
func respond(status int, header http.Header, body string) delivery.TransportFunc {
	return func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
		if header == nil {
			header = http.Header{}
		}
		return &delivery.Response{StatusCode: status, Header: header, Body: []byte(body)}, nil
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		host, path, want string
	}{
		{"", "", "https://api.segment.io/v1/batch"},
		{"http://localhost:8080/", "/v1/batch", "http://localhost:8080/v1/batch"},
		{"http://localhost:8080", "v1/batch", "http://localhost:8080/v1/batch"},
		{"https://events.example.com", "/ingest", "https://events.example.com/ingest"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, delivery.JoinURL(tt.host, tt.path))
	}
}

func TestEngine_RequestShape(t *testing.T) {
	var (
		mu      sync.Mutex
		gotReq  *http.Request
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotReq = r
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := delivery.NewEngine(delivery.EngineConfig{
		WriteKey: "abc",
		Endpoint: delivery.JoinURL(srv.URL, "/v1/batch"),
	}, delivery.NewHTTPTransport())

	batch := newBatch(t, 2)
	res := engine.Deliver(context.Background(), batch)

	require.Equal(t, delivery.Success, res.Kind)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoError(t, res.Err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotReq)
	assert.Equal(t, http.MethodPost, gotReq.Method)
	assert.Equal(t, "/v1/batch", gotReq.URL.Path)
	assert.Equal(t, "application/json", gotReq.Header.Get("Content-Type"))
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("abc:")), gotReq.Header.Get("Authorization"))
	assert.Equal(t, "trackflow/"+envelope.Version, gotReq.Header.Get("User-Agent"))

	var body struct {
		Batch []map[string]any `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	require.Len(t, body.Batch, 2)
	assert.Equal(t, batch.Contexts[0].MessageID(), body.Batch[0]["messageId"])
	assert.Equal(t, batch.Contexts[1].MessageID(), body.Batch[1]["messageId"])
}

func TestEngine_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   delivery.ResultKind
	}{
		{200, delivery.Success},
		{204, delivery.Success},
		{400, delivery.Permanent},
		{401, delivery.Permanent},
		{404, delivery.Permanent},
		{408, delivery.Retryable},
		{413, delivery.Permanent},
		{429, delivery.Retryable},
		{500, delivery.Retryable},
		{502, delivery.Retryable},
		{503, delivery.Retryable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			engine := delivery.NewEngine(delivery.EngineConfig{WriteKey: "k"}, respond(tt.status, nil, "nope"))
			res := engine.Deliver(context.Background(), newBatch(t, 1))

			assert.Equal(t, tt.want, res.Kind)
			assert.Equal(t, tt.status, res.StatusCode)
			if tt.want == delivery.Success {
				assert.NoError(t, res.Err)
				return
			}
			var httpErr *tferrors.HTTPError
			require.True(t, errors.As(res.Err, &httpErr))
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, "nope", httpErr.Message)
		})
	}
}

func TestEngine_TransportError(t *testing.T) {
	engine := delivery.NewEngine(delivery.EngineConfig{}, delivery.TransportFunc(
		func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
			return nil, errors.New("connection refused")
		}))

	res := engine.Deliver(context.Background(), newBatch(t, 1))

	assert.Equal(t, delivery.Retryable, res.Kind)
	var netErr *tferrors.NetworkError
	assert.True(t, errors.As(res.Err, &netErr))
	assert.True(t, tferrors.IsRetryable(res.Err))
}

func TestEngine_Timeout(t *testing.T) {
	engine := delivery.NewEngine(delivery.EngineConfig{Timeout: 20 * time.Millisecond}, delivery.TransportFunc(
		func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	start := time.Now()
	res := engine.Deliver(context.Background(), newBatch(t, 1))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, delivery.Retryable, res.Kind)
	var timeoutErr *tferrors.TimeoutError
	assert.True(t, errors.As(res.Err, &timeoutErr))
}

func TestEngine_TimeoutTransportIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	engine := delivery.NewEngine(delivery.EngineConfig{Timeout: 20 * time.Millisecond}, delivery.TransportFunc(
		func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
			<-release
			return &delivery.Response{StatusCode: http.StatusOK}, nil
		}))

	start := time.Now()
	res := engine.Deliver(context.Background(), newBatch(t, 1))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, delivery.Retryable, res.Kind)
	var timeoutErr *tferrors.TimeoutError
	assert.True(t, errors.As(res.Err, &timeoutErr))
}

func TestEngine_LateSuccessIsTimeout(t *testing.T) {
	engine := delivery.NewEngine(delivery.EngineConfig{Timeout: 20 * time.Millisecond}, delivery.TransportFunc(
		func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
			<-ctx.Done()
			return &delivery.Response{StatusCode: http.StatusOK}, nil
		}))

	res := engine.Deliver(context.Background(), newBatch(t, 1))

	assert.Equal(t, delivery.Retryable, res.Kind)
	var timeoutErr *tferrors.TimeoutError
	assert.True(t, errors.As(res.Err, &timeoutErr))
}

func TestEngine_RetryAfter(t *testing.T) {
	t.Run("seconds", func(t *testing.T) {
		engine := delivery.NewEngine(delivery.EngineConfig{},
			respond(429, http.Header{"Retry-After": []string{"2"}}, ""))
		res := engine.Deliver(context.Background(), newBatch(t, 1))
		assert.Equal(t, 2*time.Second, res.RetryAfter)
	})

	t.Run("http date", func(t *testing.T) {
		at := time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)
		engine := delivery.NewEngine(delivery.EngineConfig{},
			respond(503, http.Header{"Retry-After": []string{at}}, ""))
		res := engine.Deliver(context.Background(), newBatch(t, 1))
		assert.Greater(t, res.RetryAfter, 2*time.Second)
		assert.LessOrEqual(t, res.RetryAfter, 5*time.Second)
	})

	t.Run("ignored on other statuses", func(t *testing.T) {
		engine := delivery.NewEngine(delivery.EngineConfig{},
			respond(500, http.Header{"Retry-After": []string{"2"}}, ""))
		res := engine.Deliver(context.Background(), newBatch(t, 1))
		assert.Zero(t, res.RetryAfter)
	})

	t.Run("garbage", func(t *testing.T) {
		engine := delivery.NewEngine(delivery.EngineConfig{},
			respond(429, http.Header{"Retry-After": []string{"soon"}}, ""))
		res := engine.Deliver(context.Background(), newBatch(t, 1))
		assert.Zero(t, res.RetryAfter)
	})
}

func TestEngine_PartialPerItem(t *testing.T) {
	batch := newBatch(t, 3)
	rejectedID := batch.Contexts[1].MessageID()
	body := `{"rejected":[{"messageId":"` + rejectedID + `","reason":"invalid timestamp"}]}`

	uniform := delivery.NewEngine(delivery.EngineConfig{}, respond(200, nil, body))
	res := uniform.Deliver(context.Background(), batch)
	assert.Equal(t, delivery.Success, res.Kind)
	assert.Empty(t, res.Rejected)

	perItem := delivery.NewEngine(delivery.EngineConfig{Partial: delivery.PartialPerItem}, respond(200, nil, body))
	res = perItem.Deliver(context.Background(), batch)
	assert.Equal(t, delivery.Success, res.Kind)
	assert.Equal(t, map[string]string{rejectedID: "invalid timestamp"}, res.Rejected)

	res = delivery.NewEngine(delivery.EngineConfig{Partial: delivery.PartialPerItem}, respond(200, nil, "OK")).
		Deliver(context.Background(), batch)
	assert.Empty(t, res.Rejected)
}

func TestEngine_Disabled(t *testing.T) {
	called := false
	engine := delivery.NewEngine(delivery.EngineConfig{Disable: true}, delivery.TransportFunc(
		func(ctx context.Context, url string, req *delivery.Request) (*delivery.Response, error) {
			called = true
			return nil, errors.New("unreachable")
		}))

	res := engine.Deliver(context.Background(), newBatch(t, 1))
	assert.Equal(t, delivery.Success, res.Kind)
	assert.False(t, called)
	assert.True(t, engine.Disabled())
}

func TestParsePartialPolicy(t *testing.T) {
	p, err := delivery.ParsePartialPolicy("")
	require.NoError(t, err)
	assert.Equal(t, delivery.PartialUniform, p)

	p, err = delivery.ParsePartialPolicy("per_item")
	require.NoError(t, err)
	assert.Equal(t, delivery.PartialPerItem, p)
	assert.Equal(t, "per_item", p.String())

	_, err = delivery.ParsePartialPolicy("sometimes")
	assert.Error(t, err)
}

func TestResultKindString(t *testing.T) {
	assert.Equal(t, "success", delivery.Success.String())
	assert.Equal(t, "retryable", delivery.Retryable.String())
	assert.Equal(t, "permanent", delivery.Permanent.String())
	assert.Equal(t, "unknown", delivery.ResultKind(42).String())
}
