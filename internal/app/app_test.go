package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/config"
	"ytdash/youtube"
)

func TestNewWithoutCredential(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatabaseURL = ":memory:"
	cfg.APIKey = ""

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.False(t, a.Gateway.Configured())
	assert.False(t, a.Cache.Enabled())
	require.NoError(t, a.Store.Ping(context.Background()))

	_, err = a.Sync.Sync(context.Background(), "UCuAXFkgsw1L7xaCfnd5JJOw", 10)
	assert.ErrorIs(t, err, youtube.ErrMissingCredential)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatabaseDriver = "mysql"

	_, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown database driver")
}
