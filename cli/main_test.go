package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/storage"
	"ytdash/youtube"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a much longer title", 10, "a much ..."},
		{"日本語のタイトルです", 6, "日本語..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.max), tt.in)
	}
}

func TestFormatCount(t *testing.T) {
	tests := map[int64]string{
		0:             "0",
		999:           "999",
		1234:          "1.2K",
		4_100_000:     "4.1M",
		2_500_000_000: "2.5B",
	}
	for n, want := range tests {
		assert.Equal(t, want, formatCount(n))
	}
}

func TestWriteSyncTable(t *testing.T) {
	published := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	result := &youtube.SyncResult{
		Videos: []*storage.CrawledVideo{
			{VideoID: "dQw4w9WgXcQ", Title: "Never Gonna Give You Up", ViewCount: 1_500_000_000, PublishedAt: published},
			{VideoID: "yPYZpwSpKmA", Title: "Together Forever", ViewCount: 42, PublishedAt: published.AddDate(0, -1, 0)},
		},
		NewVideoIDs: []string{"dQw4w9WgXcQ"},
	}

	var buf bytes.Buffer
	writeSyncTable(&buf, result)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "URL")
	assert.Contains(t, lines[1], "1.5B")
	assert.Contains(t, lines[1], " * ")
	assert.True(t, strings.HasSuffix(lines[1], "https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	assert.NotContains(t, lines[2], "*")
	assert.True(t, strings.HasSuffix(lines[2], "https://www.youtube.com/watch?v=yPYZpwSpKmA"))
}
