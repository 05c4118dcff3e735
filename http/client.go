// Package http provides the outbound HTTP client used for the thumbnail relay
// and as the transport under the YouTube Data API client, with retry logic,
// per-host rate limiting and circuit breaking.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ytdash/internal/retry"
)

// DefaultMaxBodyBytes caps relayed bodies at 10 MiB.
const DefaultMaxBodyBytes int64 = 10 << 20

// Client wraps an HTTP client with retry logic and rate limit handling.
type Client struct {
	base           *http.Client
	config         *Config
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker
	allowedHosts   map[string]struct{}
}

// Config holds HTTP client configuration including retry and rate limit settings.
type Config struct {
	// Timeout for individual HTTP requests
	Timeout time.Duration

	// Retry configuration
	Retry retry.Config

	// User agent for HTTP requests
	UserAgent string

	// MaxBodyBytes bounds the size of a response body read by Get.
	MaxBodyBytes int64

	// AllowedHosts restricts Get to these hosts. Empty means any host.
	AllowedHosts []string

	// Rate limiter configuration
	RateLimiter RateLimiterConfig

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig

	// Connection pool configuration
	Transport TransportConfig
}

// TransportConfig configures the HTTP transport (connection pooling).
type TransportConfig struct {
	// MaxIdleConns is the maximum number of idle connections across all hosts.
	// Default: 20
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum idle connections per host.
	// Default: 10
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum concurrent connections per host.
	// Default: 20
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle connection can remain open.
	// Default: 90 seconds
	IdleConnTimeout time.Duration

	// ForceAttemptHTTP2 forces HTTP/2 for connections to servers that don't explicitly support it.
	// Default: true
	ForceAttemptHTTP2 bool
}

// DefaultConfig returns sensible defaults for HTTP client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		Retry:          retry.DefaultConfig(),
		UserAgent:      "ytdash/1.0",
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RateLimiter:    DefaultRateLimiterConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Transport:      DefaultTransportConfig(),
	}
}

// DefaultTransportConfig returns sensible defaults for HTTP transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// New creates a new HTTP client with the given configuration.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Transport.IdleConnTimeout,
		ForceAttemptHTTP2:   cfg.Transport.ForceAttemptHTTP2,
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedHosts) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
		}
	}

	return &Client{
		base: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config:         cfg,
		rateLimiter:    NewRateLimiter(cfg.RateLimiter),
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreaker),
		allowedHosts:   allowed,
	}
}

// Response represents an HTTP response with status code and body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response content type, or fallback if unset.
func (r *Response) ContentType(fallback string) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return fallback
}

// Get fetches rawURL and returns the full body. Any failure is reported as a
// *FetchError: unsupported scheme, disallowed host, network failure, non-2xx
// status, or a body larger than MaxBodyBytes.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := c.checkURL(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	host := u.Hostname()

	if err := c.circuitBreaker.Allow(host); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if err := c.rateLimiter.WaitForBackoff(ctx, host); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if err := c.rateLimiter.Wait(ctx, host); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	var out *Response
	err = retry.Do(ctx, c.config.Retry, isRetryableHTTPError, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)

		resp, err := c.base.Do(req)
		if err != nil {
			return fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			retryAfter := parseRetryAfter(resp.Header)
			if backoff := c.rateLimiter.RecordRateLimitError(host, retryAfter); backoff > retryAfter {
				retryAfter = backoff
			}
			return &RateLimitError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &HTTPError{StatusCode: resp.StatusCode, Body: snippet}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if int64(len(body)) > c.config.MaxBodyBytes {
			return retry.Permanent(ErrBodyTooLarge)
		}

		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		c.circuitBreaker.RecordFailure(host, err)
		return nil, &FetchError{URL: rawURL, StatusCode: statusOf(err), Err: err}
	}

	c.rateLimiter.RecordSuccess(host)
	c.circuitBreaker.RecordSuccess(host)
	return out, nil
}

func (c *Client) checkURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, ErrUnsupportedURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrUnsupportedURL
	}
	if c.allowedHosts != nil {
		if _, ok := c.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return nil, ErrHostNotAllowed
		}
	}
	return u, nil
}

// ValidateURL reports whether rawURL is acceptable to Get without fetching it.
func (c *Client) ValidateURL(rawURL string) error {
	_, err := c.checkURL(rawURL)
	return err
}

// Circuits reports the circuit breaker state of every host this client has
// contacted.
func (c *Client) Circuits() map[string]HostCircuit {
	return c.circuitBreaker.Snapshot()
}

// Transport returns a RoundTripper that applies this client's rate limiter
// and circuit breaker to every request. Retrying is left to the caller.
func (c *Client) Transport() http.RoundTripper {
	return &gatedTransport{client: c, next: c.base.Transport}
}

// StandardClient returns an *http.Client using Transport() and the configured
// timeout, suitable for SDKs that accept their own client.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{Timeout: c.config.Timeout, Transport: c.Transport()}
}

type gatedTransport struct {
	client *Client
	next   http.RoundTripper
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	ctx := req.Context()
	rl, cb := t.client.rateLimiter, t.client.circuitBreaker

	if err := cb.Allow(host); err != nil {
		return nil, err
	}
	if err := rl.WaitForBackoff(ctx, host); err != nil {
		return nil, err
	}
	if err := rl.Wait(ctx, host); err != nil {
		return nil, err
	}
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(ctx)
		req.Header.Set("User-Agent", t.client.config.UserAgent)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		cb.RecordFailure(host, err)
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rl.RecordRateLimitError(host, parseRetryAfter(resp.Header))
		cb.RecordFailure(host, &RateLimitError{StatusCode: resp.StatusCode})
	case resp.StatusCode >= 500:
		cb.RecordFailure(host, &HTTPError{StatusCode: resp.StatusCode})
	default:
		rl.RecordSuccess(host)
		cb.RecordSuccess(host)
	}
	return resp, nil
}

// Close closes idle connections.
func (c *Client) Close() error {
	c.base.CloseIdleConnections()
	return nil
}

// isRetryableHTTPError determines if an HTTP error is retryable.
func isRetryableHTTPError(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}

	return true
}

func statusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.StatusCode
	}
	return 0
}

// parseRetryAfter extracts the Retry-After header value.
// Returns 0 if not present or unparseable.
func parseRetryAfter(header http.Header) time.Duration {
	retryAfter := header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}

	return 0
}
