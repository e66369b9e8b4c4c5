// Package probe issues single HTTP requests against the service under test and
// turns every outcome, including transport failures, into a Result value.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/loykin/svcprobe/internal/metrics"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryInterval = 200 * time.Millisecond
	maxBodyBytes         = 8 << 20
)

// Request describes one outbound call. Body, when non-nil, is sent as JSON.
type Request struct {
	Endpoint string
	Method   string
	URL      string
	Body     any
	Timeout  time.Duration
}

// Result is the outcome of a probe. Status is 0 exactly when TransportErr is set.
type Result struct {
	Endpoint     string
	Method       string
	URL          string
	Status       int
	Payload      ldvalue.Value
	Body         []byte
	DecodeErr    error
	TransportErr error
	Elapsed      time.Duration
}

// Answered reports whether the service produced an HTTP response.
func (r Result) Answered() bool { return r.TransportErr == nil && r.Status != 0 }

// OK reports a 2xx response.
func (r Result) OK() bool { return r.Answered() && r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the raw body into v.
func (r Result) Decode(v any) error {
	if !r.Answered() {
		return fmt.Errorf("no response: %w", r.TransportErr)
	}
	return json.Unmarshal(r.Body, v)
}

func (r Result) String() string {
	if !r.Answered() {
		return fmt.Sprintf("%s %s -> transport error: %v", r.Method, r.URL, r.TransportErr)
	}
	return fmt.Sprintf("%s %s -> %d (%s)", r.Method, r.URL, r.Status, r.Elapsed.Round(time.Millisecond))
}

// Prober executes Requests. Transport failures of idempotent requests are
// retried up to Retries times; other requests are sent exactly once.
type Prober struct {
	Client        *http.Client
	Timeout       time.Duration
	Retries       int
	RetryInterval time.Duration
	Logger        *slog.Logger
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Call never returns an error: every failure is recorded in the Result.
func (p *Prober) Call(ctx context.Context, req Request) Result {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	res := Result{Endpoint: req.Endpoint, Method: req.Method, URL: req.URL}
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		metrics.ObserveProbe(req.Endpoint, res.Status, res.Elapsed)
		p.logger().Debug("probe", "endpoint", req.Endpoint, "method", req.Method, "url", req.URL,
			"status", res.Status, "elapsed", res.Elapsed, "error", res.TransportErr)
	}()

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			res.TransportErr = fmt.Errorf("encode request body: %w", err)
			return res
		}
		body = b
	}

	retries := 0
	if idempotent(req.Method) && p.Retries > 0 {
		retries = p.Retries
	}
	interval := p.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)), ctx)

	var (
		status int
		raw    []byte
	)
	err := backoff.Retry(func() error {
		var err error
		status, raw, err = p.do(ctx, req, body)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		res.TransportErr = err
		return res
	}

	res.Status = status
	res.Body = raw
	res.Payload = ldvalue.Null()
	if len(bytes.TrimSpace(raw)) > 0 {
		var v ldvalue.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			res.DecodeErr = err
		} else {
			res.Payload = v
		}
	}
	return res
}

func (p *Prober) do(ctx context.Context, req Request, body []byte) (int, []byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, rd)
	if err != nil {
		return 0, nil, backoff.Permanent(err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client().Do(hreq)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (p *Prober) Get(ctx context.Context, endpoint, u string) Result {
	return p.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodGet, URL: u})
}

func (p *Prober) Post(ctx context.Context, endpoint, u string, body any) Result {
	return p.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodPost, URL: u, Body: body})
}

// JoinURL appends path segments to base, escaping each segment, and attaches query.
func JoinURL(base string, query url.Values, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(base, "/"))
	for _, s := range segments {
		for _, part := range strings.Split(strings.Trim(s, "/"), "/") {
			if part == "" {
				continue
			}
			sb.WriteByte('/')
			sb.WriteString(url.PathEscape(part))
		}
	}
	if len(query) > 0 {
		sb.WriteByte('?')
		sb.WriteString(query.Encode())
	}
	return sb.String()
}
