package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/trackflow/pkg/trackflow/dispatch"
	"github.com/randalmurphal/trackflow/pkg/trackflow/envelope"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

// Endpoint defaults.
const (
	DefaultHost    = "https://api.segment.io"
	DefaultPath    = "/v1/batch"
	DefaultTimeout = 10 * time.Second
)

// ResultKind classifies one delivery attempt.
type ResultKind int

const (
	// Success means the endpoint accepted the batch.
	Success ResultKind = iota

	// Retryable means the attempt failed but a later one may succeed.
	Retryable

	// Permanent means the endpoint refused the batch and retrying won't help.
	Permanent
)

// String returns the result name used in logs and metrics.
func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// PartialPolicy controls how a 2xx response is mapped to member outcomes.
type PartialPolicy int

const (
	// PartialUniform treats every 2xx as success for all members.
	PartialUniform PartialPolicy = iota

	// PartialPerItem reads a {"rejected":[...]} list from the 2xx body and
	// fails only the listed members.
	PartialPerItem
)

// String returns the policy name used in configuration.
func (p PartialPolicy) String() string {
	if p == PartialPerItem {
		return "per_item"
	}
	return "uniform"
}

// ParsePartialPolicy parses "uniform" or "per_item". Empty means uniform.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uniform":
		return PartialUniform, nil
	case "per_item", "per-item", "peritem":
		return PartialPerItem, nil
	default:
		return PartialUniform, fmt.Errorf("unknown partial rejection policy %q", s)
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Kind       ResultKind
	StatusCode int
	Err        error

	// Rejected maps message IDs the endpoint refused to its reason.
	// Only filled under PartialPerItem.
	Rejected map[string]string

	// RetryAfter is a server-requested delay, zero if none was given.
	RetryAfter time.Duration

	Duration time.Duration
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	WriteKey string

	// Endpoint is the full batch URL.
	// Default: https://api.segment.io/v1/batch
	Endpoint string

	// Timeout bounds each attempt.
	// Default: 10s
	Timeout time.Duration

	// Disable turns every delivery into an immediate success without any
	// network call.
	Disable bool

	Partial PartialPolicy
}

// JoinURL joins host and path with exactly one slash between them.
func JoinURL(host, path string) string {
	if host == "" {
		host = DefaultHost
	}
	if path == "" {
		path = DefaultPath
	}
	return strings.TrimRight(host, "/") + "/" + strings.TrimLeft(path, "/")
}

// Engine performs single delivery attempts. It holds no per-batch state and
// is safe for concurrent use.
type Engine struct {
	cfg       EngineConfig
	transport Transport
	auth      string
	agent     string
}

// NewEngine creates an engine sending through transport. A nil transport
// uses NewHTTPTransport.
func NewEngine(cfg EngineConfig, transport Transport) *Engine {
	if cfg.Endpoint == "" {
		cfg.Endpoint = JoinURL(DefaultHost, DefaultPath)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if transport == nil {
		transport = NewHTTPTransport()
	}

	return &Engine{
		cfg:       cfg,
		transport: transport,
		auth:      "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.WriteKey+":")),
		agent:     envelope.UserAgent(),
	}
}

// Endpoint returns the URL batches are posted to.
func (e *Engine) Endpoint() string {
	return e.cfg.Endpoint
}

// Disabled reports whether the engine skips the network.
func (e *Engine) Disabled() bool {
	return e.cfg.Disable
}

// Deliver makes one attempt to send batch.
func (e *Engine) Deliver(ctx context.Context, batch *dispatch.Batch) Result {
	start := time.Now()
	if e.cfg.Disable {
		return Result{Kind: Success}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := &Request{
		Method: http.MethodPost,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": e.auth,
			"User-Agent":    e.agent,
		},
		Body: batch.Body(),
	}

	resp, err := e.send(attemptCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		return Result{
			Kind:     Retryable,
			Err:      e.transportError(ctx, attemptCtx, err),
			Duration: elapsed,
		}
	}
	if resp == nil {
		return Result{
			Kind:     Retryable,
			Err:      &tferrors.NetworkError{Op: "send batch", Err: errors.New("empty response")},
			Duration: elapsed,
		}
	}

	res := Result{StatusCode: resp.StatusCode, Duration: elapsed}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Kind = Success
		if e.cfg.Partial == PartialPerItem {
			res.Rejected = parseRejected(resp.Body)
		}
		return res
	}

	res.Err = &tferrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    statusMessage(resp),
		Endpoint:   e.cfg.Endpoint,
	}
	if tferrors.CategorizeStatus(resp.StatusCode) == tferrors.CategoryTransient {
		res.Kind = Retryable
	} else {
		res.Kind = Permanent
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return res
}

type sendResult struct {
	resp *Response
	err  error
}

// send calls the transport and gives up when ctx is done, even if the
// transport ignores ctx. A response arriving after that is discarded.
func (e *Engine) send(ctx context.Context, req *Request) (*Response, error) {
	done := make(chan sendResult, 1)
	go func() {
		resp, err := e.transport.Send(ctx, e.cfg.Endpoint, req)
		done <- sendResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// transportError maps a Send failure to the error taxonomy. A deadline hit
// by the attempt timeout becomes a TimeoutError; already categorized errors
// pass through.
func (e *Engine) transportError(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &tferrors.TimeoutError{
			Operation: "deliver batch",
			Duration:  e.cfg.Timeout.String(),
		}
	}

	var netErr *tferrors.NetworkError
	var catErr *tferrors.CategorizedError
	var timeoutErr *tferrors.TimeoutError
	if errors.As(err, &netErr) || errors.As(err, &catErr) || errors.As(err, &timeoutErr) {
		return err
	}
	return &tferrors.NetworkError{Op: "send batch", Err: err}
}

func statusMessage(resp *Response) string {
	msg := strings.TrimSpace(string(resp.Body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

type rejectedBody struct {
	Rejected []struct {
		MessageID string `json:"messageId"`
		Reason    string `json:"reason"`
	} `json:"rejected"`
}

// parseRejected reads per-item rejections from a 2xx body. Bodies that are
// empty or not in the expected shape mean nothing was rejected.
func parseRejected(body []byte) map[string]string {
	if len(body) == 0 {
		return nil
	}
	var parsed rejectedBody
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Rejected) == 0 {
		return nil
	}

	out := make(map[string]string, len(parsed.Rejected))
	for _, r := range parsed.Rejected {
		if r.MessageID == "" {
			continue
		}
		out[r.MessageID] = r.Reason
	}
	return out
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
