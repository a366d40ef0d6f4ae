// Package httpclient is the mediated HTTP facility used to fetch remote
// images with browser-like headers, bounded timeouts and a request rate
// limit.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/imagewall/internal/errors"
)

const (
	// DefaultTimeout applies when the request context has no deadline.
	DefaultTimeout = 10 * time.Second

	// MaxBodySize caps how much of a response body Fetch reads.
	MaxBodySize = 50 * 1024 * 1024

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second

	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 10 * time.Second
	defaultDialKeepAlive         = 30 * time.Second

	// DefaultUserAgent mimics a desktop browser; several image hosts reject
	// unknown agents.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// DefaultAccept is sent when a request carries no Accept header.
	DefaultAccept = "image/webp,image/apng,image/*,*/*;q=0.8"
)

// Client wraps http.Client with per-request timeouts, header injection,
// rate limiting and observability hooks. Safe for concurrent use.
type Client struct {
	client         *http.Client
	defaultTimeout time.Duration
	userAgent      string
	limiter        *rate.Limiter

	hookMu        sync.RWMutex
	beforeRequest func(*http.Request)
	afterResponse func(*http.Request, *http.Response, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	// DefaultTimeout is applied if the request context has no deadline.
	DefaultTimeout time.Duration

	// UserAgent is added to requests without one.
	UserAgent string

	// RequestsPerSecond limits outgoing requests; 0 disables the limit.
	RequestsPerSecond float64
	Burst             int

	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// Transport replaces the tuned default transport, mainly for tests.
	Transport http.RoundTripper
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        DefaultTimeout,
		UserAgent:             DefaultUserAgent,
		RequestsPerSecond:     8,
		Burst:                 4,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}

// New creates a Client. A nil cfg uses DefaultConfig; zero fields take
// their defaults and the caller's config is not mutated.
func New(cfg *Config) *Client {
	var c Config
	if cfg == nil {
		c = DefaultConfig()
	} else {
		c = *cfg
		d := DefaultConfig()
		if c.DefaultTimeout == 0 {
			c.DefaultTimeout = d.DefaultTimeout
		}
		if c.UserAgent == "" {
			c.UserAgent = d.UserAgent
		}
		if c.MaxIdleConns == 0 {
			c.MaxIdleConns = d.MaxIdleConns
		}
		if c.MaxIdleConnsPerHost == 0 {
			c.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
		}
		if c.IdleConnTimeout == 0 {
			c.IdleConnTimeout = d.IdleConnTimeout
		}
		if c.TLSHandshakeTimeout == 0 {
			c.TLSHandshakeTimeout = d.TLSHandshakeTimeout
		}
		if c.ResponseHeaderTimeout == 0 {
			c.ResponseHeaderTimeout = d.ResponseHeaderTimeout
		}
	}

	transport := c.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: defaultDialKeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          c.MaxIdleConns,
			MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
			IdleConnTimeout:       c.IdleConnTimeout,
			TLSHandshakeTimeout:   c.TLSHandshakeTimeout,
			ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		}
	}

	var limiter *rate.Limiter
	if c.RequestsPerSecond > 0 {
		burst := max(c.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
	}

	return &Client{
		client:         &http.Client{Transport: transport},
		defaultTimeout: c.DefaultTimeout,
		userAgent:      c.UserAgent,
		limiter:        limiter,
	}
}

// Do executes req. A context without deadline gets the default timeout; the
// rate limiter is waited on first. The caller closes the body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.New(err).
				Component("httpclient").
				Category(errors.CategoryCancellation).
				Context("operation", "rate_limit_wait").
				Build()
		}
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.hookMu.RLock()
	beforeHook := c.beforeRequest
	c.hookMu.RUnlock()
	if beforeHook != nil {
		beforeHook(req)
	}

	resp, err := c.client.Do(req)

	c.hookMu.RLock()
	afterHook := c.afterResponse
	c.hookMu.RUnlock()
	if afterHook != nil {
		afterHook(req, resp, err)
	}

	return resp, err
}

// Payload is a fully read response body.
type Payload struct {
	Data     []byte
	MIMEType string
	ETag     string
	Status   int
}

// Fetch GETs url with the given extra headers and reads the whole body.
// Non-2xx statuses are errors. The timeout applies to the full exchange
// including the body.
func (c *Client) Fetch(ctx context.Context, url string, header http.Header) (*Payload, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.New(err).
			Component("httpclient").
			Category(errors.CategoryValidation).
			Context("operation", "build_request").
			Build()
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", DefaultAccept)
	}

	start := time.Now()
	resp, err := c.Do(ctx, req)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryCancellation) {
			return nil, err
		}
		return nil, errors.New(err).
			Component("httpclient").
			Category(classifyTransportError(ctx, err)).
			NetworkContext(url, c.defaultTimeout).
			Timing("http_fetch", time.Since(start)).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, errors.Newf("unexpected status %d", resp.StatusCode).
			Component("httpclient").
			Category(errors.CategoryHTTP).
			Context("status", resp.StatusCode).
			NetworkContext(url, c.defaultTimeout).
			Build()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, errors.New(err).
			Component("httpclient").
			Category(classifyTransportError(ctx, err)).
			NetworkContext(url, c.defaultTimeout).
			Build()
	}
	if len(data) > MaxBodySize {
		return nil, errors.Newf("response larger than %d bytes", MaxBodySize).
			Component("httpclient").
			Category(errors.CategoryLimit).
			NetworkContext(url, c.defaultTimeout).
			Build()
	}

	mt := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	return &Payload{
		Data:     data,
		MIMEType: mt,
		ETag:     resp.Header.Get("ETag"),
		Status:   resp.StatusCode,
	}, nil
}

func classifyTransportError(ctx context.Context, err error) errors.ErrorCategory {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return errors.CategoryTimeout
	case ctx.Err() != nil:
		return errors.CategoryCancellation
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.CategoryTimeout
	}
	return errors.CategoryNetwork
}

// SetBeforeRequestHook sets a function called before each request.
func (c *Client) SetBeforeRequestHook(fn func(*http.Request)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.beforeRequest = fn
}

// SetAfterResponseHook sets a function called after each request.
func (c *Client) SetAfterResponseHook(fn func(*http.Request, *http.Response, error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.afterResponse = fn
}

// Close closes idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
