// Package config manages application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ytdash/internal/retry"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration for the dashboard service and CLI.
type Config struct {
	// APIKey is the YouTube Data API key. Empty leaves gateway endpoints failing
	// with a configuration error instead of refusing to start.
	APIKey string `json:"api_key"`
	// ListenAddr is the HTTP listen address (default ":8080").
	ListenAddr string `json:"listen_addr"`

	// DatabaseDriver is "sqlite" or "postgres".
	DatabaseDriver string `json:"database_driver"`
	// DatabaseURL is a postgres connection URL or a sqlite file path.
	DatabaseURL string `json:"database_url"`
	// RedisURL enables the search cache when set.
	RedisURL string `json:"redis_url"`
	// CacheTTL is how long search results stay cached.
	CacheTTL time.Duration `json:"cache_ttl"`

	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
	// SecureCookies marks the session cookie Secure. Enable behind HTTPS.
	SecureCookies bool `json:"secure_cookies"`

	// SearchPageSize is the number of results returned by /search (max 50).
	SearchPageSize int `json:"search_page_size"`
	// SyncMax is the default number of recent uploads considered per sync.
	SyncMax int `json:"sync_max"`
	// StaleAfter is the age after which stored video counters are refreshed.
	StaleAfter time.Duration `json:"stale_after"`

	// DailyQuota is the assumed Data API daily quota in units.
	DailyQuota int `json:"daily_quota"`
	// QuotaReserve is the estimate below which upload listing uses RSS.
	QuotaReserve int `json:"quota_reserve"`

	// HTTPTimeout bounds every outbound request.
	HTTPTimeout time.Duration `json:"http_timeout"`
	// MaxRetries is the maximum number of retries for transient failures
	MaxRetries int `json:"max_retries"`
	// InitialBackoff is the initial backoff duration for retries
	InitialBackoff time.Duration `json:"initial_backoff"`
	// MaxBackoff is the maximum backoff duration for retries
	MaxBackoff time.Duration `json:"max_backoff"`
	// BackoffMultiplier is the multiplier for exponential backoff (must be > 1)
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// RelayAllowedHosts restricts the thumbnail relay. Empty allows any host.
	RelayAllowedHosts []string `json:"relay_allowed_hosts"`

	// AdminEmails get the admin role on signup.
	AdminEmails []string `json:"admin_emails"`
	// SessionTTL is how long a login session stays valid.
	SessionTTL time.Duration `json:"session_ttl"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DatabaseDriver:    DriverSQLite,
		DatabaseURL:       "ytdash.db",
		CacheTTL:          10 * time.Minute,
		LogLevel:          "info",
		SearchPageSize:    10,
		SyncMax:           50,
		StaleAfter:        240 * time.Hour,
		DailyQuota:        10000,
		QuotaReserve:      500,
		HTTPTimeout:       30 * time.Second,
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		SessionTTL:        24 * time.Hour,
	}
}

// Load loads configuration from environment variables, config file, and applies defaults.
// Priority: env vars > config file > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Config file is optional
	if err := cfg.loadFromFile(defaultPaths()...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := cfg.loadFromEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPaths() []string {
	paths := []string{"ytdash.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ytdash", "ytdash.json"))
	}
	return paths
}

// loadFromFile reads the first existing file among paths.
func (c *Config) loadFromFile(paths ...string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}

	return os.ErrNotExist
}

// loadFromEnv overrides config with environment variables. YOUTUBE_API_KEY,
// DATABASE_URL and REDIS_URL are honoured when the YTDASH_ form is unset.
func (c *Config) loadFromEnv(getenv func(string) string) error {
	env := envReader{getenv: getenv}

	env.str(&c.APIKey, "YTDASH_API_KEY", "YOUTUBE_API_KEY")
	env.str(&c.ListenAddr, "YTDASH_LISTEN_ADDR")
	if env.str(&c.DatabaseURL, "YTDASH_DATABASE_URL", "DATABASE_URL") &&
		getenv("YTDASH_DB_DRIVER") == "" && isPostgresURL(c.DatabaseURL) {
		c.DatabaseDriver = DriverPostgres
	}
	env.str(&c.DatabaseDriver, "YTDASH_DB_DRIVER")
	env.str(&c.RedisURL, "YTDASH_REDIS_URL", "REDIS_URL")
	env.duration(&c.CacheTTL, "YTDASH_CACHE_TTL")
	env.str(&c.LogLevel, "YTDASH_LOG_LEVEL")
	env.list(&c.CORSOrigins, "YTDASH_CORS_ORIGINS")
	env.boolean(&c.SecureCookies, "YTDASH_SECURE_COOKIES")

	env.integer(&c.SearchPageSize, "YTDASH_SEARCH_PAGE_SIZE")
	env.integer(&c.SyncMax, "YTDASH_SYNC_MAX")
	env.duration(&c.StaleAfter, "YTDASH_STALE_AFTER")
	env.integer(&c.DailyQuota, "YTDASH_DAILY_QUOTA")
	env.integer(&c.QuotaReserve, "YTDASH_QUOTA_RESERVE")

	env.duration(&c.HTTPTimeout, "YTDASH_HTTP_TIMEOUT")
	env.integer(&c.MaxRetries, "YTDASH_MAX_RETRIES")
	env.duration(&c.InitialBackoff, "YTDASH_INITIAL_BACKOFF")
	env.duration(&c.MaxBackoff, "YTDASH_MAX_BACKOFF")
	env.float(&c.BackoffMultiplier, "YTDASH_BACKOFF_MULTIPLIER")

	env.list(&c.RelayAllowedHosts, "YTDASH_RELAY_ALLOWED_HOSTS")
	env.list(&c.AdminEmails, "YTDASH_ADMIN_EMAILS")
	env.duration(&c.SessionTTL, "YTDASH_SESSION_TTL")

	return errors.Join(env.errs...)
}

func isPostgresURL(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

// envReader collects parse errors while applying overrides.
type envReader struct {
	getenv func(string) string
	errs   []error
}

// lookup returns the first non-empty variable among keys.
func (e *envReader) lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(e.getenv(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

func (e *envReader) str(dst *string, keys ...string) bool {
	v, ok := e.lookup(keys...)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) integer(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) float(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(dst *[]string, key string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

// Validate checks that configuration values are valid and consistent.
// It returns an error if any configuration value is invalid.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database_driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.SearchPageSize < 1 || c.SearchPageSize > 50 {
		return fmt.Errorf("search_page_size must be between 1 and 50")
	}
	if c.SyncMax < 1 || c.SyncMax > 500 {
		return fmt.Errorf("sync_max must be between 1 and 500")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.DailyQuota <= 0 {
		return fmt.Errorf("daily_quota must be positive")
	}
	if c.QuotaReserve < 0 || c.QuotaReserve >= c.DailyQuota {
		return fmt.Errorf("quota_reserve must be between 0 and daily_quota")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff must be >= initial_backoff")
	}
	if c.BackoffMultiplier <= 1 {
		return fmt.Errorf("backoff_multiplier must be > 1")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	return nil
}

// RetryConfig returns the retry settings for outbound calls.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.BackoffMultiplier,
		JitterFraction: 0.2,
	}
}

// IsAdminEmail reports whether email is listed in AdminEmails.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range c.AdminEmails {
		if strings.ToLower(strings.TrimSpace(a)) == email {
			return true
		}
	}
	return false
}
