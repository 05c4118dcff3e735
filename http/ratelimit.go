package http

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Backoff tuning for hosts that answer 429/503.
const (
	InitialBackoff        = 1 * time.Second
	MaxBackoff            = 60 * time.Second
	BackoffMultiplier     = 2.0
	BackoffCooldownPeriod = 5 * time.Minute
	// MinRPSMultiplier is the floor of dynamic rate reduction (25% of configured).
	MinRPSMultiplier = 0.25
)

// RateLimiterConfig defines per-host request rates.
type RateLimiterConfig struct {
	// DefaultRPS applies to hosts without an entry in HostRates. 0 = unlimited.
	DefaultRPS float64
	// HostRates maps a host name to requests per second. 0 = unlimited.
	HostRates map[string]float64
	// Burst is the token bucket size (default 1).
	Burst int
	// EnableDynamicBackoff lowers a host's rate after rate limit responses.
	EnableDynamicBackoff bool
}

// DefaultRateLimiterConfig returns rates suited to the Data API and the
// thumbnail CDN.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DefaultRPS: 10,
		HostRates: map[string]float64{
			"youtube.googleapis.com": 5,
			"www.googleapis.com":     5,
			"www.youtube.com":        2,
			"i.ytimg.com":            20,
		},
		Burst:                1,
		EnableDynamicBackoff: true,
	}
}

// backoffState tracks rate limit backoff for a host.
type backoffState struct {
	current           time.Duration
	lastError         time.Time
	consecutiveErrors int
	originalRPS       float64
}

// RateLimiter manages per-host token buckets.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoff  map[string]*backoffState
	config   RateLimiterConfig
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.HostRates == nil {
		cfg.HostRates = make(map[string]float64)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		backoff:  make(map[string]*backoffState),
		config:   cfg,
	}
}

// Wait blocks until the host's limiter grants a token or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl == nil {
		return nil
	}
	limiter := rl.limiter(host)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func (rl *RateLimiter) limiter(host string) *rate.Limiter {
	rps := rl.rps(host)
	if rps == 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rps), rl.config.Burst)
	rl.limiters[host] = l
	return l
}

func (rl *RateLimiter) rps(host string) float64 {
	if rps, ok := rl.config.HostRates[host]; ok {
		return rps
	}
	return rl.config.DefaultRPS
}

// RecordRateLimitError records a 429/503 from host and returns how long
// callers should wait before the next attempt.
func (rl *RateLimiter) RecordRateLimitError(host string, retryAfter time.Duration) time.Duration {
	if rl == nil || !rl.config.EnableDynamicBackoff {
		if retryAfter > 0 {
			return retryAfter
		}
		return InitialBackoff
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.backoff[host]
	if !ok {
		st = &backoffState{current: InitialBackoff, originalRPS: rl.rps(host)}
		rl.backoff[host] = st
	}
	st.lastError = time.Now()
	st.consecutiveErrors++

	if st.consecutiveErrors > 1 {
		st.current = time.Duration(float64(st.current) * BackoffMultiplier)
		if st.current > MaxBackoff {
			st.current = MaxBackoff
		}
	}
	if retryAfter > st.current {
		st.current = retryAfter
	}

	// 1 error: 75%, 2 errors: 50%, 3+: 25%
	factor := 0.75
	switch {
	case st.consecutiveErrors >= 3:
		factor = MinRPSMultiplier
	case st.consecutiveErrors == 2:
		factor = 0.5
	}
	if l, ok := rl.limiters[host]; ok && st.originalRPS > 0 {
		l.SetLimit(rate.Limit(st.originalRPS * factor))
	}

	return st.current
}

// RecordSuccess restores the host's configured rate once the cooldown has
// passed since the last rate limit response.
func (rl *RateLimiter) RecordSuccess(host string) {
	if rl == nil || !rl.config.EnableDynamicBackoff {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.backoff[host]
	if !ok {
		return
	}
	if time.Since(st.lastError) > BackoffCooldownPeriod {
		if l, ok := rl.limiters[host]; ok && st.originalRPS > 0 {
			l.SetLimit(rate.Limit(st.originalRPS))
		}
		delete(rl.backoff, host)
		return
	}
	if st.consecutiveErrors > 0 {
		st.consecutiveErrors--
	}
}

// BackoffRemaining reports how much of the host's current backoff is left.
func (rl *RateLimiter) BackoffRemaining(host string) time.Duration {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.backoff[host]
	if !ok {
		return 0
	}
	remaining := st.current - time.Since(st.lastError)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitForBackoff waits out the host's current backoff, if any.
func (rl *RateLimiter) WaitForBackoff(ctx context.Context, host string) error {
	remaining := rl.BackoffRemaining(host)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Limit returns the current rate for host, or 0 if the host has no limiter yet.
func (rl *RateLimiter) Limit(host string) float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[host]; ok {
		return float64(l.Limit())
	}
	return 0
}
