package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), nil, func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Do() returned error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("Do() made %d attempts, want 1", attempts)
	}
}

func TestDo_PermanentError(t *testing.T) {
	attempts := 0
	notFound := errors.New("not found")

	err := Do(context.Background(), fastConfig(3), nil, func(ctx context.Context) error {
		attempts++
		return Permanent(notFound)
	})

	if !errors.Is(err, notFound) {
		t.Errorf("Do() returned error = %v, want %v", err, notFound)
	}
	if attempts != 1 {
		t.Errorf("Do() made %d attempts, want 1", attempts)
	}
}

func TestDo_CustomClassifier(t *testing.T) {
	attempts := 0
	quota := errors.New("quotaExceeded")
	classifier := func(err error) bool { return !errors.Is(err, quota) }

	err := Do(context.Background(), fastConfig(3), classifier, func(ctx context.Context) error {
		attempts++
		return quota
	})

	if !errors.Is(err, quota) {
		t.Errorf("Do() returned error = %v, want %v", err, quota)
	}
	if attempts != 1 {
		t.Errorf("Do() made %d attempts, want 1", attempts)
	}
}

func TestDo_RetryableError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), IsRetryable, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Do() returned error = %v, want nil", err)
	}
	if attempts != 2 {
		t.Errorf("Do() made %d attempts, want 2", attempts)
	}
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	attempts := 0
	tempErr := errors.New("temporary")

	err := Do(context.Background(), fastConfig(3), IsRetryable, func(ctx context.Context) error {
		attempts++
		return tempErr
	})

	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Do() returned %T, want *RetryableError", err)
	}
	if retryErr.Retries != 3 {
		t.Errorf("Retries = %d, want 3", retryErr.Retries)
	}
	if !errors.Is(err, tempErr) {
		t.Errorf("Do() error should wrap %v", tempErr)
	}
	if attempts != 4 {
		t.Errorf("Do() made %d attempts, want 4", attempts)
	}
}

func TestDo_ZeroRetriesReturnsRawError(t *testing.T) {
	tempErr := errors.New("temporary")
	err := Do(context.Background(), fastConfig(0), IsRetryable, func(ctx context.Context) error {
		return tempErr
	})
	if err != tempErr {
		t.Errorf("Do() returned %v, want the unwrapped error", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialBackoff = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Do(ctx, cfg, IsRetryable, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("temporary")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() returned error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Do() made %d attempts, want 1", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"permanent", Permanent(errors.New("bad request")), false},
		{"wrapped permanent", fmt.Errorf("gateway: %w", Permanent(errors.New("x"))), false},
		{"generic error", errors.New("generic"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxRetries != 2 {
		t.Errorf("DefaultConfig().MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 500*time.Millisecond {
		t.Errorf("DefaultConfig().InitialBackoff = %v, want 500ms", cfg.InitialBackoff)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("DefaultConfig().Multiplier = %f, want 2.0", cfg.Multiplier)
	}
}

func TestNewBackOffGrowsToCap(t *testing.T) {
	b := newBackOff(fastConfig(5))

	want := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("interval %d = %v, want %v", i, got, w)
		}
	}
}

func TestNewBackOffJitterBounds(t *testing.T) {
	cfg := fastConfig(1)
	cfg.JitterFraction = 0.5
	b := newBackOff(cfg)

	got := b.NextBackOff()
	if got < 2500*time.Microsecond || got > 7500*time.Microsecond {
		t.Errorf("first interval = %v, want within 50%% of 5ms", got)
	}
}

func TestDo_PermanentKeepsWrapping(t *testing.T) {
	inner := errors.New("bad request")
	wrapped := fmt.Errorf("gateway: %w", Permanent(inner))

	err := Do(context.Background(), fastConfig(2), nil, func(ctx context.Context) error {
		return wrapped
	})

	if err != wrapped {
		t.Errorf("Do() returned %v, want the error fn returned", err)
	}
	if !errors.Is(err, inner) {
		t.Errorf("Do() error should wrap %v", inner)
	}
}
