package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 64 * 1024

// Request is one outbound ingestion request.
type Request struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the endpoint's reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends a request to url. Implementations must honor ctx
// cancellation. A nil error with a non-2xx response is not a transport
// failure; classification happens in the Engine.
type Transport interface {
	Send(ctx context.Context, url string, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, url string, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, url string, req *Request) (*Response, error) {
	return f(ctx, url, req)
}

// HTTPTransport sends requests with a net/http client.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport with a client tuned for batch posts.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, url string, req *Request) (*Response, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
