// Package cache is a Redis cache-aside layer for Data API search results.
// A Cache without a Redis connection is valid and does nothing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ytdash/internal/metrics"
)

// DefaultTTL is how long search results stay cached.
const DefaultTTL = 10 * time.Minute

// Cache stores JSON-encoded values in Redis.
type Cache struct {
	rdb     *redis.Client
	ttl     time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Config configures a Cache.
type Config struct {
	// URL is a redis:// URL. Empty disables caching.
	URL     string
	TTL     time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// New connects to Redis. An empty URL, an invalid URL or a failed ping
// returns a disabled cache rather than an error.
func New(ctx context.Context, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	c := &Cache{
		ttl:     cfg.TTL,
		log:     cfg.Logger.With().Str("component", "cache").Logger(),
		metrics: cfg.Metrics,
	}

	if cfg.URL == "" {
		c.log.Info().Msg("no redis URL configured, caching disabled")
		return c
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		c.log.Warn().Err(err).Msg("invalid redis URL, caching disabled")
		return c
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		c.log.Warn().Err(err).Msg("redis connection failed, caching disabled")
		rdb.Close()
		return c
	}

	c.log.Info().Str("addr", opts.Addr).Msg("redis connected, caching enabled")
	c.rdb = rdb
	return c
}

// Enabled reports whether a Redis connection is in use.
func (c *Cache) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Get decodes the value stored at key into dst. It reports false on a miss or
// when caching is disabled.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v at key for the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, v any) error {
	if !c.Enabled() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Del(ctx, key).Err()
}

// Ping checks the Redis connection. A disabled cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// Remember returns the cached value at key, or calls load and caches its
// result. Cache failures are logged and never fail the call.
func Remember[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if c.Enabled() {
		var cached T
		hit, err := c.Get(ctx, key, &cached)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		c.metrics.CacheLookup(hit)
		if hit {
			return cached, nil
		}
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

// VideoSearchKey is the key for a video search of q returning n results.
func VideoSearchKey(q string, n int) string {
	return fmt.Sprintf("search:video:%s:%d", normalizeQuery(q), n)
}

// ChannelSearchKey is the key for a channel search of q returning n results.
func ChannelSearchKey(q string, n int) string {
	return fmt.Sprintf("search:channel:%s:%d", normalizeQuery(q), n)
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
