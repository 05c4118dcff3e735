package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/internal/retry"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.Retry = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	cfg.RateLimiter = RateLimiterConfig{}
	return cfg
}

func TestNewClientNilConfig(t *testing.T) {
	c := New(nil)
	require.NotNil(t, c)
	assert.Equal(t, DefaultMaxBodyBytes, c.config.MaxBodyBytes)
}

func TestClientGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ytdash/1.0", r.UserAgent())
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	resp, err := New(testConfig()).Get(context.Background(), srv.URL+"/hq.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", string(resp.Body))
	assert.Equal(t, "image/png", resp.ContentType("image/jpeg"))
}

func TestClientNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(testConfig()).Get(context.Background(), srv.URL+"/missing.jpg")

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestClientServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := New(testConfig()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := New(testConfig()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestClientBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, strings.NewReader(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 32
	_, err := New(cfg).Get(context.Background(), srv.URL)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestClientRejectsURL(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedHosts = []string{"i.ytimg.com"}
	c := New(cfg)

	tests := []struct {
		url  string
		want error
	}{
		{"ftp://i.ytimg.com/a.jpg", ErrUnsupportedURL},
		{"/relative.jpg", ErrUnsupportedURL},
		{"file:///etc/passwd", ErrUnsupportedURL},
		{"https://evil.example/a.jpg", ErrHostNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := c.Get(context.Background(), tt.url)
			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, c.ValidateURL(tt.url), tt.want)
		})
	}
	assert.NoError(t, c.ValidateURL("https://i.ytimg.com/vi/x/hqdefault.jpg"))
}

func TestClientContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(testConfig()).Get(ctx, srv.URL)
	require.Error(t, err)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestTransportRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 2
	c := New(cfg)
	hc := c.StandardClient()

	for i := 0; i < 2; i++ {
		resp, err := hc.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	_, err := hc.Get(srv.URL)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h))
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{URL: "https://x/y.jpg", StatusCode: 404}
	assert.Equal(t, "fetch https://x/y.jpg: status 404", err.Error())

	inner := errors.New("dial tcp: refused")
	err = &FetchError{URL: "https://x/y.jpg", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "refused")
}
