package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ytdash/config"
	"ytdash/server"
)

func TestServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SearchPageSize = 25
	cfg.CORSOrigins = []string{"https://dash.example.com"}
	cfg.SecureCookies = true

	assert.Equal(t, server.Config{
		SearchPageSize: 25,
		SyncMax:        50,
		CORSOrigins:    []string{"https://dash.example.com"},
		SecureCookies:  true,
	}, serverConfig(cfg))
}
