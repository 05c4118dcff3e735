package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	ythttp "ytdash/http"
	"ytdash/internal/metrics"
	"ytdash/internal/retry"
)

// Data API limits and quota costs.
const (
	DefaultDailyQuota = 10000
	maxPageSize       = 50
	searchCost        = 100
	listCost          = 1
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// APIKey is the Data API key. Empty or "placeholder" leaves the gateway
	// unconfigured and every call fails with ErrMissingCredential.
	APIKey string
	// HTTPClient supplies the transport and timeout. Defaults to a 30s client.
	HTTPClient *http.Client
	// Endpoint overrides the API base URL (tests).
	Endpoint string
	// DailyQuota is the assumed daily quota (default 10000 units).
	DailyQuota int
	// QuotaReserve is the estimate below which upload listing switches to Fallback.
	QuotaReserve int
	// Retry applies to transient failures only.
	Retry retry.Config
	// Fallback lists uploads without spending quota.
	Fallback UploadLister
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Gateway wraps the YouTube Data API v3 with retries, error translation and
// quota bookkeeping. It is safe for concurrent use.
type Gateway struct {
	service  *yt.Service
	cfg      GatewayConfig
	log      zerolog.Logger
	metrics  *metrics.Metrics
	fallback UploadLister

	// Quota tracking
	mu             sync.Mutex
	estimatedQuota int
	nextReset      time.Time
	quotaExhausted bool
	now            func() time.Time
}

// HasCredential reports whether key is usable.
func HasCredential(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && key != "placeholder"
}

// NewGateway creates a gateway. A missing credential is not an error here; it
// surfaces as ErrMissingCredential on each call.
func NewGateway(ctx context.Context, cfg GatewayConfig) (*Gateway, error) {
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = DefaultDailyQuota
	}
	g := &Gateway{
		cfg:            cfg,
		log:            cfg.Logger.With().Str("component", "gateway").Logger(),
		metrics:        cfg.Metrics,
		fallback:       cfg.Fallback,
		estimatedQuota: cfg.DailyQuota,
		now:            time.Now,
	}
	g.nextReset = nextQuotaReset(g.now())

	if !HasCredential(cfg.APIKey) {
		g.log.Warn().Msg("no YouTube API key configured, gateway calls will fail")
		return g, nil
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	// option.WithHTTPClient disables option.WithAPIKey, so the key rides on the transport.
	client := &http.Client{
		Timeout:   base.Timeout,
		Transport: &transport.APIKey{Key: strings.TrimSpace(cfg.APIKey), Transport: rt},
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	service, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	g.service = service
	g.metrics.SetQuotaRemaining(g.estimatedQuota)
	return g, nil
}

// Configured reports whether the gateway has a usable API key.
func (g *Gateway) Configured() bool {
	return g.service != nil
}

// SearchVideos runs a free-text video search.
func (g *Gateway) SearchVideos(ctx context.Context, q string, max int) ([]VideoSummary, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}

	var resp *yt.SearchListResponse
	err := g.call(ctx, "search.list", searchCost, func(ctx context.Context) (err error) {
		resp, err = g.service.Search.List([]string{"snippet"}).
			Q(q).
			Type("video").
			MaxResults(pageSize(max, 10)).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]VideoSummary, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		v := VideoSummary{ID: item.Id.VideoId}
		if s := item.Snippet; s != nil {
			v.Title = s.Title
			v.Description = s.Description
			v.ChannelID = s.ChannelId
			v.ChannelTitle = s.ChannelTitle
			v.Thumbnail = thumbnailURL(s.Thumbnails, "medium", "default")
			v.PublishedAt = parseTime(s.PublishedAt)
		}
		out = append(out, v)
	}
	return out, nil
}

// SearchChannels searches channels by relevance, then orders the results by
// subscriber count, highest first.
func (g *Gateway) SearchChannels(ctx context.Context, q string, max int) ([]ChannelInfo, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}

	var resp *yt.SearchListResponse
	err := g.call(ctx, "search.list", searchCost, func(ctx context.Context) (err error) {
		resp, err = g.service.Search.List([]string{"snippet"}).
			Q(q).
			Type("channel").
			Order("relevance").
			MaxResults(pageSize(max, 10)).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.ChannelId != "" {
			ids = append(ids, item.Id.ChannelId)
		}
	}
	if len(ids) == 0 {
		return []ChannelInfo{}, nil
	}

	channels, err := g.listChannels(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(channels, func(i, j int) bool {
		return channels[i].SubscriberCount > channels[j].SubscriberCount
	})
	return channels, nil
}

// ResolveChannelID turns a canonical ID, channel URL, handle or name into a
// canonical channel ID. Anything that is not already an ID is resolved with a
// channel search, taking the top result.
func (g *Gateway) ResolveChannelID(ctx context.Context, ident string) (string, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return "", fmt.Errorf("%w: channel identifier is required", ErrInvalidInput)
	}
	if id, ok := ExtractChannelID(ident); ok {
		return id, nil
	}

	query := handleQuery(ident)
	var resp *yt.SearchListResponse
	err := g.call(ctx, "search.list", searchCost, func(ctx context.Context) (err error) {
		resp, err = g.service.Search.List([]string{"id"}).
			Q(query).
			Type("channel").
			MaxResults(1).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.ChannelId == "" {
		return "", fmt.Errorf("%w: no channel matches %q", ErrNotFound, ident)
	}

	id := resp.Items[0].Id.ChannelId
	g.log.Debug().Str("ident", ident).Str("channel_id", id).Msg("resolved channel")
	return id, nil
}

// handleQuery strips URL and "@" decoration from a handle.
func handleQuery(ident string) string {
	if _, rest, ok := strings.Cut(ident, "youtube.com/"); ok {
		rest = strings.TrimPrefix(rest, "c/")
		rest = strings.TrimPrefix(rest, "user/")
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			rest = rest[:i]
		}
		ident = rest
	}
	return strings.TrimPrefix(ident, "@")
}

// GetChannel fetches a channel's metadata, statistics and uploads playlist.
func (g *Gateway) GetChannel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	if !IsChannelID(channelID) {
		return nil, fmt.Errorf("%w: %q is not a channel ID", ErrInvalidInput, channelID)
	}
	channels, err := g.listChannels(ctx, []string{channelID})
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	return &channels[0], nil
}

func (g *Gateway) listChannels(ctx context.Context, ids []string) ([]ChannelInfo, error) {
	var resp *yt.ChannelListResponse
	err := g.call(ctx, "channels.list", listCost, func(ctx context.Context) (err error) {
		resp, err = g.service.Channels.List([]string{"snippet", "statistics", "contentDetails"}).
			Id(ids...).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]ChannelInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		c := ChannelInfo{ID: item.Id}
		if s := item.Snippet; s != nil {
			c.Title = s.Title
			c.Description = s.Description
			c.CustomURL = s.CustomUrl
			c.Thumbnail = thumbnailURL(s.Thumbnails, "medium", "default")
		}
		if st := item.Statistics; st != nil {
			c.SubscriberCount = int64(st.SubscriberCount)
			c.VideoCount = int64(st.VideoCount)
			c.ViewCount = int64(st.ViewCount)
		}
		if cd := item.ContentDetails; cd != nil && cd.RelatedPlaylists != nil {
			c.UploadsPlaylistID = cd.RelatedPlaylists.Uploads
		}
		if c.UploadsPlaylistID == "" {
			c.UploadsPlaylistID = UploadsPlaylistID(c.ID)
		}
		out = append(out, c)
	}
	return out, nil
}

// ListUploadIDs returns up to max video IDs from an uploads playlist, newest
// first. When the quota estimate is below the reserve, or the API reports the
// quota exceeded, the fallback lister is used instead.
func (g *Gateway) ListUploadIDs(ctx context.Context, playlistID string, max int) ([]string, error) {
	if playlistID == "" {
		return nil, fmt.Errorf("%w: playlist ID is required", ErrInvalidInput)
	}
	if max <= 0 {
		return []string{}, nil
	}

	if g.QuotaExhausted() && g.fallback != nil {
		g.log.Warn().Str("playlist_id", playlistID).Msg("quota below reserve, listing uploads from RSS")
		return g.listFromFallback(ctx, playlistID, max)
	}

	ids := make([]string, 0, max)
	pageToken := ""
	for len(ids) < max {
		var resp *yt.PlaylistItemListResponse
		err := g.call(ctx, "playlistItems.list", listCost, func(ctx context.Context) (err error) {
			resp, err = g.service.PlaylistItems.List([]string{"contentDetails"}).
				PlaylistId(playlistID).
				MaxResults(int64(min(maxPageSize, max-len(ids)))).
				PageToken(pageToken).
				Context(ctx).
				Do()
			return err
		})
		if err != nil {
			var upErr *UpstreamError
			if errors.As(err, &upErr) && upErr.QuotaExceeded() && g.fallback != nil && len(ids) == 0 {
				g.markExhausted()
				g.log.Warn().Str("playlist_id", playlistID).Msg("quota exceeded, listing uploads from RSS")
				return g.listFromFallback(ctx, playlistID, max)
			}
			return nil, err
		}

		for _, item := range resp.Items {
			if item.ContentDetails == nil || item.ContentDetails.VideoId == "" {
				continue
			}
			ids = append(ids, item.ContentDetails.VideoId)
			if len(ids) == max {
				break
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return ids, nil
}

func (g *Gateway) listFromFallback(ctx context.Context, playlistID string, max int) ([]string, error) {
	channelID := "UC" + strings.TrimPrefix(playlistID, "UU")
	if !IsChannelID(channelID) {
		return nil, fmt.Errorf("%w: cannot derive channel from playlist %q", ErrQuotaExhausted, playlistID)
	}
	return g.fallback.ListUploadIDs(ctx, channelID, max)
}

// GetVideos fetches snippet and statistics for ids, 50 per request, in
// response order. Unknown IDs are omitted.
func (g *Gateway) GetVideos(ctx context.Context, ids []string) ([]VideoDetails, error) {
	out := make([]VideoDetails, 0, len(ids))
	for start := 0; start < len(ids); start += maxPageSize {
		chunk := ids[start:min(start+maxPageSize, len(ids))]

		var resp *yt.VideoListResponse
		err := g.call(ctx, "videos.list", listCost, func(ctx context.Context) (err error) {
			resp, err = g.service.Videos.List([]string{"snippet", "statistics"}).
				Id(chunk...).
				Context(ctx).
				Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			v := VideoDetails{ID: item.Id}
			if s := item.Snippet; s != nil {
				v.ChannelID = s.ChannelId
				v.Title = s.Title
				v.Description = s.Description
				v.ThumbnailMedium = thumbnailURL(s.Thumbnails, "medium", "default")
				v.ThumbnailMaxres = thumbnailURL(s.Thumbnails, "maxres", "high", "medium")
				v.PublishedAt = parseTime(s.PublishedAt)
			}
			if st := item.Statistics; st != nil {
				v.ViewCount = int64(st.ViewCount)
				v.LikeCount = int64(st.LikeCount)
				v.CommentCount = int64(st.CommentCount)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// call runs fn with retries, translates API errors and charges quota.
func (g *Gateway) call(ctx context.Context, endpoint string, cost int, fn func(context.Context) error) error {
	if g.service == nil {
		return ErrMissingCredential
	}

	err := retry.Do(ctx, g.cfg.Retry, isTransient, func(ctx context.Context) error {
		err := translateError(endpoint, fn(ctx))
		var upErr *UpstreamError
		if err == nil || errors.As(err, &upErr) {
			// the API charges for rejected requests too
			g.trackQuotaUsage(cost)
		}
		return err
	})
	g.metrics.GatewayCall(endpoint, err)
	if err != nil {
		g.log.Debug().Err(err).Str("endpoint", endpoint).Msg("gateway call failed")
	}
	return err
}

// translateError converts *googleapi.Error into *UpstreamError.
func translateError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		up := &UpstreamError{Endpoint: endpoint, StatusCode: apiErr.Code, Message: apiErr.Message}
		if len(apiErr.Errors) > 0 {
			up.Reason = apiErr.Errors[0].Reason
			if up.Message == "" {
				up.Message = apiErr.Errors[0].Message
			}
		}
		if up.Message == "" {
			up.Message = http.StatusText(apiErr.Code)
		}
		return up
	}
	return err
}

// isTransient classifies gateway errors for retry: provider 5xx, 429 and
// network failures are retried; provider 4xx, validation and context errors are not.
func isTransient(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMissingCredential) || errors.Is(err, ythttp.ErrCircuitOpen) {
		return false
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode >= 500 || upErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// trackQuotaUsage updates the estimated quota and checks if we've dropped below the reserve.
func (g *Gateway) trackQuotaUsage(units int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfDue()
	g.estimatedQuota -= units
	g.metrics.SetQuotaRemaining(g.estimatedQuota)

	if g.estimatedQuota < g.cfg.QuotaReserve {
		if !g.quotaExhausted {
			g.log.Warn().Int("remaining", g.estimatedQuota).Int("reserve", g.cfg.QuotaReserve).Msg("quota below reserve")
			g.quotaExhausted = true
		}
		return
	}
	g.log.Debug().Int("remaining", g.estimatedQuota).Int("spent", units).Msg("quota usage")
}

// must be called with mu held
func (g *Gateway) resetIfDue() {
	now := g.now()
	if now.Before(g.nextReset) {
		return
	}
	g.estimatedQuota = g.cfg.DailyQuota
	g.quotaExhausted = false
	g.nextReset = nextQuotaReset(now)
	g.log.Info().Time("next_reset", g.nextReset).Msg("quota reset")
}

func (g *Gateway) markExhausted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotaExhausted = true
}

// EstimatedQuota returns the estimated remaining quota units.
func (g *Gateway) EstimatedQuota() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfDue()
	return g.estimatedQuota
}

// QuotaExhausted reports whether the estimate has dropped below the reserve.
func (g *Gateway) QuotaExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfDue()
	return g.quotaExhausted
}

var pacific = func() *time.Location {
	if loc, err := time.LoadLocation("America/Los_Angeles"); err == nil {
		return loc
	}
	return time.FixedZone("PST", -8*3600)
}()

// nextQuotaReset returns the next midnight Pacific time, when the Data API
// quota resets.
func nextQuotaReset(now time.Time) time.Time {
	t := now.In(pacific)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, pacific)
}

func pageSize(n, def int) int64 {
	if n <= 0 {
		n = def
	}
	return int64(min(n, maxPageSize))
}

func thumbnailURL(t *yt.ThumbnailDetails, prefer ...string) string {
	if t == nil {
		return ""
	}
	for _, name := range prefer {
		var th *yt.Thumbnail
		switch name {
		case "maxres":
			th = t.Maxres
		case "standard":
			th = t.Standard
		case "high":
			th = t.High
		case "medium":
			th = t.Medium
		case "default":
			th = t.Default
		}
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
