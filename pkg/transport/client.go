// Package transport performs authenticated calls against the Reborn backend.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godeps/reborn-go/pkg/auth"
	"github.com/godeps/reborn-go/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds a request; for streams it covers headers only.
	DefaultTimeout = 30 * time.Second

	maxBodyBytes  = 8 << 20
	maxErrorBytes = 64 << 10
)

// Response is a fully buffered 2xx reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout should be
// zero; request deadlines are managed per call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used by the logging middleware.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry routes spans and metrics through mgr instead of the global manager.
func WithTelemetry(mgr *telemetry.Manager) Option {
	return func(c *Client) { c.telemetry = mgr }
}

// WithMiddleware installs additional middlewares.
func WithMiddleware(mws ...Middleware) Option {
	return func(c *Client) { c.extra = append(c.extra, mws...) }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = strings.TrimSpace(ua) }
}

// Client sends JSON requests with bearer authentication and maps failures
// onto NetworkError, AuthError and APIError. It never retries.
type Client struct {
	base      string
	http      *http.Client
	session   *auth.Session
	timeout   time.Duration
	logger    *zap.Logger
	telemetry *telemetry.Manager
	userAgent string
	extra     []Middleware
	stack     *Stack
}

// New builds a client for baseURL. session may be nil for unauthenticated use.
func New(baseURL string, session *auth.Session, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	c := &Client{
		base:      strings.TrimRight(u.String(), "/"),
		session:   session,
		timeout:   DefaultTimeout,
		logger:    zap.NewNop(),
		userAgent: "reborn-go",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: defaultTransport()}
	}
	c.stack = NewStack(
		BearerAuth(session),
		Telemetry(c.telemetry),
		Logging(c.logger),
	)
	for _, mw := range c.extra {
		c.stack.Use(mw)
	}
	return c, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	if err := http2.ConfigureTransport(t); err != nil {
		return base.Clone()
	}
	return t
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string { return c.base }

// Session returns the session the client authenticates with.
func (c *Client) Session() *auth.Session { return c.session }

// Use adds a middleware to the client's stack.
func (c *Client) Use(mw Middleware) { c.stack.Use(mw) }

// Middlewares lists the installed middlewares from outermost to innermost.
func (c *Client) Middlewares() []string { return c.stack.List() }

// Do performs a request and buffers the 2xx response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.networkError(ctx, method, path, err, nil)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// DoJSON performs a request and decodes the JSON reply into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Stream performs a request and hands back the live body of a 2xx response.
// The timeout applies until response headers arrive; afterwards the body is
// bounded only by ctx. The caller must close the returned body.
func (c *Client) Stream(ctx context.Context, method, path string, body any) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	var fired atomic.Bool
	timer := time.AfterFunc(c.timeout, func() {
		fired.Store(true)
		cancel()
	})

	resp, err := c.roundTrip(ctx, method, path, body, &fired)
	if !timer.Stop() || err != nil {
		if err == nil {
			resp.Body.Close()
			err = &NetworkError{Op: opName(method, path), Timeout: true, After: c.timeout, Err: context.DeadlineExceeded}
		}
		cancel()
		return nil, err
	}
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// roundTrip runs the middleware stack and returns a 2xx response with an
// open body. Non-2xx responses are consumed and mapped to errors.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, fired *atomic.Bool) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.stack.Execute(ctx, req, func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return c.http.Do(req.WithContext(ctx))
	})
	if err != nil {
		return nil, c.networkError(ctx, method, path, err, fired)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	detail := parseDetail(resp.StatusCode, raw)
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Status: resp.StatusCode, Detail: detail}
	}
	return nil, &APIError{Status: resp.StatusCode, Detail: detail}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// networkError classifies err, separating the client's own timeout from a
// caller cancellation.
func (c *Client) networkError(ctx context.Context, method, path string, err error, fired *atomic.Bool) error {
	op := opName(method, path)
	timedOut := false
	switch {
	case fired != nil && fired.Load():
		timedOut = true
	case fired == nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		timedOut = true
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
			timedOut = true
		}
	}
	if timedOut {
		return &NetworkError{Op: op, Timeout: true, After: c.timeout, Err: err}
	}
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %v", cerr, err)
	}
	return &NetworkError{Op: op, Err: err}
}

func opName(method, path string) string {
	return strings.ToUpper(method) + " " + path
}
