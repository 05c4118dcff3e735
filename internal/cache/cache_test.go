package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "search:video:lofi hip hop:10", VideoSearchKey("  LoFi   Hip hop ", 10))
	assert.Equal(t, "search:channel:mkbhd:5", ChannelSearchKey("MKBHD", 5))
}

func TestDisabledCache(t *testing.T) {
	ctx := context.Background()

	for name, url := range map[string]string{
		"empty url":   "",
		"invalid url": "ftp://nope",
		"unreachable": "redis://127.0.0.1:1/0",
	} {
		t.Run(name, func(t *testing.T) {
			c := New(ctx, Config{URL: url, Logger: zerolog.Nop()})
			assert.False(t, c.Enabled())
			assert.NoError(t, c.Ping(ctx))
			assert.NoError(t, c.Set(ctx, "k", "v"))

			var got string
			hit, err := c.Get(ctx, "k", &got)
			require.NoError(t, err)
			assert.False(t, hit)
			assert.NoError(t, c.Close())
		})
	}
}

func TestRememberWithoutRedisAlwaysLoads(t *testing.T) {
	c := New(context.Background(), Config{Logger: zerolog.Nop()})
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	for i := 0; i < 2; i++ {
		v, err := Remember(context.Background(), c, "search:video:x:10", load)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, v)
	}
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	_, err := Remember(context.Background(), c, "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *Cache
	assert.False(t, c.Enabled())
	v, err := Remember(context.Background(), c, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

// TestRedisRoundTrip runs against a real server when YTDASH_TEST_REDIS_URL is set.
func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("YTDASH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("YTDASH_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	c := New(ctx, Config{URL: url, TTL: time.Minute, Logger: zerolog.Nop()})
	require.True(t, c.Enabled())
	t.Cleanup(func() { c.Close() })

	key := "test:" + uuid.NewString()
	t.Cleanup(func() { c.Delete(ctx, key) })

	calls := 0
	load := func(context.Context) (map[string]int, error) {
		calls++
		return map[string]int{"views": 42}, nil
	}
	for i := 0; i < 3; i++ {
		v, err := Remember(ctx, c, key, load)
		require.NoError(t, err)
		assert.Equal(t, 42, v["views"])
	}
	assert.Equal(t, 1, calls)

	ttl, err := c.rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
