package http

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for outbound requests.
var (
	// ErrCircuitOpen is returned when the circuit for a host is open.
	ErrCircuitOpen = errors.New("http: circuit breaker is open")
	// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
	ErrBodyTooLarge = errors.New("http: response body too large")
	// ErrUnsupportedURL is returned for non-absolute or non-http(s) URLs.
	ErrUnsupportedURL = errors.New("http: unsupported url")
	// ErrHostNotAllowed is returned when a host is outside the allow-list.
	ErrHostNotAllowed = errors.New("http: host not allowed")
)

// RateLimitError indicates the remote host rate limited the request.
type RateLimitError struct {
	// StatusCode is the HTTP status code (429 or 503).
	StatusCode int
	// RetryAfter indicates how long to wait before retrying.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d): retry after %v", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// HTTPError indicates a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// FetchError is returned by Client.Get when the remote resource could not be
// fetched. StatusCode is zero when no response was received.
//
//	var fetchErr *http.FetchError
//	if errors.As(err, &fetchErr) {
//		fmt.Printf("fetch %s failed with %d\n", fetchErr.URL, fetchErr.StatusCode)
//	}
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *FetchError) Unwrap() error { return e.Err }
