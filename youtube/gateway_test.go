package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/internal/retry"
)

// fakeDataAPI serves the Data API endpoints the gateway uses.
type fakeDataAPI struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	queries  map[string][]url.Values
	handlers map[string]func(q url.Values) (int, any)
}

func newFakeDataAPI(t *testing.T) (*fakeDataAPI, *httptest.Server) {
	t.Helper()
	f := &fakeDataAPI{
		t:        t,
		calls:    make(map[string]int),
		queries:  make(map[string][]url.Values),
		handlers: make(map[string]func(url.Values) (int, any)),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDataAPI) handle(endpoint string, h func(q url.Values) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[endpoint] = h
}

func (f *fakeDataAPI) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeDataAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeDataAPI) lastQuery(endpoint string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := f.queries[endpoint]
	if len(qs) == 0 {
		return nil
	}
	return qs[len(qs)-1]
}

func (f *fakeDataAPI) serve(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/youtube/v3/")
	q := r.URL.Query()

	f.mu.Lock()
	f.calls[endpoint]++
	f.queries[endpoint] = append(f.queries[endpoint], q)
	h := f.handlers[endpoint]
	f.mu.Unlock()

	assert.Equal(f.t, "test-key", q.Get("key"), "API key must be sent on %s", endpoint)

	if h == nil {
		http.NotFound(w, r)
		return
	}
	status, body := h(q)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func apiError(code int, reason, message string) (int, any) {
	return code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors":  []map[string]any{{"reason": reason, "message": message}},
		},
	}
}

func channelItem(id, title string, subs int) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"title":      title,
			"customUrl":  "@" + strings.ToLower(title),
			"thumbnails": map[string]any{"medium": map[string]any{"url": "https://yt3.ggpht.com/" + id}},
		},
		"statistics": map[string]any{
			"subscriberCount": fmt.Sprint(subs),
			"videoCount":      "42",
			"viewCount":       "1000",
		},
		"contentDetails": map[string]any{
			"relatedPlaylists": map[string]any{"uploads": "UU" + id[2:]},
		},
	}
}

func videoItem(id string, views int) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"channelId":   testChannelID,
			"title":       "Video " + id,
			"publishedAt": "2024-03-01T10:00:00Z",
			"thumbnails": map[string]any{
				"medium": map[string]any{"url": "https://i.ytimg.com/vi/" + id + "/mqdefault.jpg"},
				"high":   map[string]any{"url": "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"},
			},
		},
		"statistics": map[string]any{
			"viewCount":    fmt.Sprint(views),
			"likeCount":    "7",
			"commentCount": "3",
		},
	}
}

func newTestGateway(t *testing.T, srv *httptest.Server, mutate func(*GatewayConfig)) *Gateway {
	t.Helper()
	cfg := GatewayConfig{
		APIKey:     "test-key",
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		Endpoint:   srv.URL + "/",
		Retry:      retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGateway(context.Background(), cfg)
	require.NoError(t, err)
	return g
}

func TestHasCredential(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"placeholder", false},
		{"AIzaSyExample", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasCredential(tt.key), "key %q", tt.key)
	}
}

func TestGatewayMissingCredential(t *testing.T) {
	for _, key := range []string{"", "placeholder"} {
		g, err := NewGateway(context.Background(), GatewayConfig{APIKey: key})
		require.NoError(t, err)
		assert.False(t, g.Configured())

		_, err = g.SearchVideos(context.Background(), "lofi", 5)
		assert.ErrorIs(t, err, ErrMissingCredential)

		_, err = g.GetChannel(context.Background(), testChannelID)
		assert.ErrorIs(t, err, ErrMissingCredential)

		// validation runs before the credential check
		_, err = g.SearchVideos(context.Background(), "", 5)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestGatewaySearchVideos(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("search", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{
			"items": []map[string]any{
				{
					"id": map[string]any{"kind": "youtube#video", "videoId": "dQw4w9WgXcQ"},
					"snippet": map[string]any{
						"title":        "Never Gonna Give You Up",
						"description":  "The official video",
						"channelId":    testChannelID,
						"channelTitle": "Rick Astley",
						"publishedAt":  "2009-10-25T06:57:33Z",
						"thumbnails":   map[string]any{"medium": map[string]any{"url": "https://i.ytimg.com/vi/dQw4w9WgXcQ/mqdefault.jpg"}},
					},
				},
				{"id": map[string]any{"kind": "youtube#channel", "channelId": testChannelID}},
			},
		}
	})
	g := newTestGateway(t, srv, nil)

	videos, err := g.SearchVideos(context.Background(), "  rick astley ", 0)
	require.NoError(t, err)
	require.Len(t, videos, 1)

	v := videos[0]
	assert.Equal(t, "dQw4w9WgXcQ", v.ID)
	assert.Equal(t, "Rick Astley", v.ChannelTitle)
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/mqdefault.jpg", v.Thumbnail)
	assert.Equal(t, time.Date(2009, 10, 25, 6, 57, 33, 0, time.UTC), v.PublishedAt)

	q := api.lastQuery("search")
	assert.Equal(t, "rick astley", q.Get("q"))
	assert.Equal(t, "video", q.Get("type"))
	assert.Equal(t, "10", q.Get("maxResults"))

	assert.Equal(t, DefaultDailyQuota-searchCost, g.EstimatedQuota())
}

func TestGatewayEmptyQueryMakesNoCall(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	g := newTestGateway(t, srv, nil)

	_, err := g.SearchVideos(context.Background(), "   ", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = g.SearchChannels(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = g.ResolveChannelID(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, api.total())
}

func TestGatewaySearchChannelsSortedBySubscribers(t *testing.T) {
	ids := []string{
		"UCaaaaaaaaaaaaaaaaaaaaaa",
		"UCbbbbbbbbbbbbbbbbbbbbbb",
		"UCcccccccccccccccccccccc",
	}
	api, srv := newFakeDataAPI(t)
	api.handle("search", func(q url.Values) (int, any) {
		items := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			items = append(items, map[string]any{"id": map[string]any{"kind": "youtube#channel", "channelId": id}})
		}
		return http.StatusOK, map[string]any{"items": items}
	})
	api.handle("channels", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{"items": []map[string]any{
			channelItem(ids[0], "Small", 10),
			channelItem(ids[1], "Big", 5000),
			channelItem(ids[2], "Medium", 300),
		}}
	})
	g := newTestGateway(t, srv, nil)

	channels, err := g.SearchChannels(context.Background(), "music", 3)
	require.NoError(t, err)
	require.Len(t, channels, 3)
	assert.Equal(t, []string{"Big", "Medium", "Small"}, []string{channels[0].Title, channels[1].Title, channels[2].Title})
	assert.Equal(t, "channel", api.lastQuery("search").Get("type"))
	assert.Equal(t, "relevance", api.lastQuery("search").Get("order"))
	assert.Equal(t, ids, api.lastQuery("channels")["id"])
}

func TestGatewayResolveChannelID(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("search", func(q url.Values) (int, any) {
		if q.Get("q") != "RickAstleyYT" {
			return http.StatusOK, map[string]any{"items": []any{}}
		}
		return http.StatusOK, map[string]any{"items": []map[string]any{
			{"id": map[string]any{"kind": "youtube#channel", "channelId": testChannelID}},
		}}
	})
	g := newTestGateway(t, srv, nil)
	ctx := context.Background()

	id, err := g.ResolveChannelID(ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, testChannelID, id)

	id, err = g.ResolveChannelID(ctx, "https://www.youtube.com/channel/"+testChannelID+"/videos")
	require.NoError(t, err)
	assert.Equal(t, testChannelID, id)
	assert.Zero(t, api.count("search"), "canonical IDs resolve without a call")

	for _, handle := range []string{"@RickAstleyYT", "https://www.youtube.com/@RickAstleyYT", "RickAstleyYT"} {
		id, err = g.ResolveChannelID(ctx, handle)
		require.NoError(t, err, handle)
		assert.Equal(t, testChannelID, id, handle)
	}
	assert.Equal(t, "1", api.lastQuery("search").Get("maxResults"))
	assert.Equal(t, "channel", api.lastQuery("search").Get("type"))

	_, err = g.ResolveChannelID(ctx, "@nobody-here")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayGetChannel(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("channels", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{"items": []map[string]any{channelItem(testChannelID, "Rick", 4100000)}}
	})
	g := newTestGateway(t, srv, nil)

	ch, err := g.GetChannel(context.Background(), testChannelID)
	require.NoError(t, err)
	assert.Equal(t, "Rick", ch.Title)
	assert.Equal(t, int64(4100000), ch.SubscriberCount)
	assert.Equal(t, int64(42), ch.VideoCount)
	assert.Equal(t, "UUuAXFkgsw1L7xaCfnd5JJOw", ch.UploadsPlaylistID)
	assert.Equal(t, []string{"snippet", "statistics", "contentDetails"}, api.lastQuery("channels")["part"])

	_, err = g.GetChannel(context.Background(), "@rick")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGatewayGetChannelEmptyResult(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("channels", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{"items": []any{}}
	})
	g := newTestGateway(t, srv, nil)

	_, err := g.GetChannel(context.Background(), testChannelID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayUpstreamErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		reason      string
		wantCalls   int
		wantNotFind bool
		wantClient  bool
	}{
		{"not found", http.StatusNotFound, "channelNotFound", 1, true, true},
		{"bad request", http.StatusBadRequest, "invalidParameter", 1, false, true},
		{"key invalid", http.StatusForbidden, "keyInvalid", 1, false, true},
		{"server error retried", http.StatusInternalServerError, "backendError", 3, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newFakeDataAPI(t)
			api.handle("channels", func(q url.Values) (int, any) {
				return apiError(tt.status, tt.reason, "provider says no")
			})
			g := newTestGateway(t, srv, nil)

			_, err := g.GetChannel(context.Background(), testChannelID)
			require.Error(t, err)

			var upErr *UpstreamError
			require.ErrorAs(t, err, &upErr)
			assert.Equal(t, tt.status, upErr.StatusCode)
			assert.Equal(t, tt.reason, upErr.Reason)
			assert.Equal(t, "provider says no", upErr.Message)
			assert.Equal(t, "channels.list", upErr.Endpoint)
			assert.Equal(t, tt.wantClient, upErr.ClientError())
			assert.Equal(t, tt.wantNotFind, errors.Is(err, ErrNotFound))
			assert.Equal(t, tt.wantCalls, api.count("channels"))
		})
	}
}

func TestGatewayListUploadIDsPaginates(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("playlistItems", func(q url.Values) (int, any) {
		n, _ := strconv.Atoi(q.Get("maxResults"))
		prefix := "a"
		next := "page-2"
		if q.Get("pageToken") == "page-2" {
			prefix, next = "b", ""
		}
		items := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, map[string]any{"contentDetails": map[string]any{"videoId": fmt.Sprintf("%s%02d", prefix, i)}})
		}
		return http.StatusOK, map[string]any{"items": items, "nextPageToken": next}
	})
	g := newTestGateway(t, srv, nil)

	ids, err := g.ListUploadIDs(context.Background(), "UUuAXFkgsw1L7xaCfnd5JJOw", 60)
	require.NoError(t, err)
	require.Len(t, ids, 60)
	assert.Equal(t, "a00", ids[0])
	assert.Equal(t, "b09", ids[59])
	assert.Equal(t, 2, api.count("playlistItems"))
	assert.Equal(t, "10", api.lastQuery("playlistItems").Get("maxResults"))
	assert.Equal(t, "UUuAXFkgsw1L7xaCfnd5JJOw", api.lastQuery("playlistItems").Get("playlistId"))
}

func TestGatewayGetVideosChunks(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("videos", func(q url.Values) (int, any) {
		ids := q["id"]
		assert.LessOrEqual(t, len(ids), 50)
		items := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			items = append(items, videoItem(id, 100))
		}
		return http.StatusOK, map[string]any{"items": items}
	})
	g := newTestGateway(t, srv, nil)

	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprintf("vid%03d", i)
	}
	videos, err := g.GetVideos(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, videos, 120)
	assert.Equal(t, 3, api.count("videos"))
	assert.Equal(t, "vid119", videos[119].ID)

	v := videos[0]
	assert.Equal(t, int64(100), v.ViewCount)
	assert.Equal(t, int64(7), v.LikeCount)
	assert.Equal(t, int64(3), v.CommentCount)
	assert.Equal(t, "https://i.ytimg.com/vi/vid000/mqdefault.jpg", v.ThumbnailMedium)
	assert.Equal(t, "https://i.ytimg.com/vi/vid000/hqdefault.jpg", v.ThumbnailMaxres, "maxres falls back to high")
	assert.Equal(t, "https://www.youtube.com/watch?v=vid000", WatchURL(v.ID))

	none, err := g.GetVideos(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 3, api.count("videos"))
}

type stubLister struct {
	channelID string
	ids       []string
}

func (s *stubLister) ListUploadIDs(_ context.Context, channelID string, max int) ([]string, error) {
	s.channelID = channelID
	return s.ids[:min(max, len(s.ids))], nil
}

func TestGatewayQuotaExceededFallsBackToRSS(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("playlistItems", func(q url.Values) (int, any) {
		return apiError(http.StatusForbidden, "quotaExceeded", "The request cannot be completed because you have exceeded your quota.")
	})
	fallback := &stubLister{ids: []string{"rss1", "rss2", "rss3"}}
	g := newTestGateway(t, srv, func(cfg *GatewayConfig) { cfg.Fallback = fallback })

	ids, err := g.ListUploadIDs(context.Background(), "UUuAXFkgsw1L7xaCfnd5JJOw", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"rss1", "rss2"}, ids)
	assert.Equal(t, testChannelID, fallback.channelID)
	assert.True(t, g.QuotaExhausted())

	// once exhausted the API is skipped entirely
	_, err = g.ListUploadIDs(context.Background(), "UUuAXFkgsw1L7xaCfnd5JJOw", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("playlistItems"))
}

func TestGatewayQuotaReserve(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("search", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{"items": []any{}}
	})
	fallback := &stubLister{ids: []string{"rss1"}}
	g := newTestGateway(t, srv, func(cfg *GatewayConfig) {
		cfg.DailyQuota = 250
		cfg.QuotaReserve = 100
		cfg.Fallback = fallback
	})

	_, err := g.SearchVideos(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.False(t, g.QuotaExhausted())

	_, err = g.SearchVideos(context.Background(), "b", 5)
	require.NoError(t, err)
	assert.Equal(t, 50, g.EstimatedQuota())
	assert.True(t, g.QuotaExhausted())

	ids, err := g.ListUploadIDs(context.Background(), "UUuAXFkgsw1L7xaCfnd5JJOw", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"rss1"}, ids)
	assert.Zero(t, api.count("playlistItems"))
}

func TestGatewayQuotaResetsAtPacificMidnight(t *testing.T) {
	api, srv := newFakeDataAPI(t)
	api.handle("search", func(q url.Values) (int, any) {
		return http.StatusOK, map[string]any{"items": []any{}}
	})
	g := newTestGateway(t, srv, nil)

	now := time.Date(2024, 5, 1, 23, 0, 0, 0, pacific)
	g.now = func() time.Time { return now }
	g.nextReset = nextQuotaReset(now)

	_, err := g.SearchVideos(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota-searchCost, g.EstimatedQuota())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, DefaultDailyQuota, g.EstimatedQuota())
}

func TestNextQuotaReset(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) // 02:30 in Los Angeles
	got := nextQuotaReset(now).In(pacific)
	assert.Equal(t, 2, got.Day())
	assert.Equal(t, 0, got.Hour())
	assert.True(t, got.After(now))
}

func TestHandleQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@mkbhd", "mkbhd"},
		{"mkbhd", "mkbhd"},
		{"https://www.youtube.com/@mkbhd", "mkbhd"},
		{"https://www.youtube.com/c/mkbhd/videos", "mkbhd"},
		{"youtube.com/user/marquesbrownlee?x=1", "marquesbrownlee"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, handleQuery(tt.in), tt.in)
	}
}

func TestExtractChannelID(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"bare id", testChannelID, testChannelID, true},
		{"padded id", "  " + testChannelID + " ", testChannelID, true},
		{"channel url", "https://www.youtube.com/channel/" + testChannelID, testChannelID, true},
		{"channel url with query", "https://www.youtube.com/channel/" + testChannelID + "?sub_confirmation=1", testChannelID, true},
		{"handle", "@RickAstleyYT", "", false},
		{"short id", "UCshort", "", false},
		{"wrong prefix", "UUuAXFkgsw1L7xaCfnd5JJOw", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractChannelID(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadsPlaylistID(t *testing.T) {
	assert.Equal(t, "UUuAXFkgsw1L7xaCfnd5JJOw", UploadsPlaylistID(testChannelID))
	assert.Empty(t, UploadsPlaylistID("@handle"))
}
