package server

import (
	"context"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"ytdash/internal/cache"
	"ytdash/storage"
	"ytdash/youtube"
)

const defaultFilename = "thumbnail.jpg"

type channelResponse struct {
	Channel *youtube.ChannelInfo   `json:"channel"`
	Videos  []youtube.VideoDetails `json:"videos"`
}

type syncRequest struct {
	ChannelID  string `json:"channelId"`
	MaxResults int    `json:"maxResults"`
}

type syncResponse struct {
	Channel     youtube.ChannelInfo     `json:"channel"`
	Summary     youtube.SyncSummary     `json:"summary"`
	Videos      []*storage.CrawledVideo `json:"videos"`
	NewVideoIDs []string                `json:"newVideoIds"`
}

// searchVideos handles GET /search?q=.
func (s *Server) searchVideos(c fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return invalid("q", "query is required")
	}
	n := s.cfg.SearchPageSize

	items, err := cache.Remember(c.Context(), s.cache, cache.VideoSearchKey(q, n),
		func(ctx context.Context) ([]youtube.VideoSummary, error) {
			return s.gateway.SearchVideos(ctx, q, n)
		})
	if err != nil {
		return err
	}
	if items == nil {
		items = []youtube.VideoSummary{}
	}
	return c.JSON(fiber.Map{"items": items})
}

// searchChannels handles GET /search-channel?q=&maxResults=.
func (s *Server) searchChannels(c fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return invalid("q", "query is required")
	}
	n, err := maxResults(c, s.cfg.SearchPageSize)
	if err != nil {
		return err
	}

	channels, err := cache.Remember(c.Context(), s.cache, cache.ChannelSearchKey(q, n),
		func(ctx context.Context) ([]youtube.ChannelInfo, error) {
			return s.gateway.SearchChannels(ctx, q, n)
		})
	if err != nil {
		return err
	}
	if channels == nil {
		channels = []youtube.ChannelInfo{}
	}
	return c.JSON(fiber.Map{"channels": channels})
}

// channel handles GET /channel?channelId=|handle=&maxResults=. A channelId
// takes precedence over a handle.
func (s *Server) channel(c fiber.Ctx) error {
	ident := strings.TrimSpace(c.Query("channelId"))
	if ident == "" {
		ident = strings.TrimSpace(c.Query("handle"))
	}
	if ident == "" {
		return invalid("channelId", "channelId or handle is required")
	}
	n, err := maxResults(c, DefaultChannelVideos)
	if err != nil {
		return err
	}

	ctx := c.Context()
	id, err := s.gateway.ResolveChannelID(ctx, ident)
	if err != nil {
		return err
	}
	info, err := s.gateway.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	ids, err := s.gateway.ListUploadIDs(ctx, info.UploadsPlaylistID, n)
	if err != nil {
		return err
	}
	videos := []youtube.VideoDetails{}
	if len(ids) > 0 {
		if videos, err = s.gateway.GetVideos(ctx, ids); err != nil {
			return err
		}
	}
	return c.JSON(channelResponse{Channel: info, Videos: videos})
}

// sync handles POST /sync {channelId, maxResults}.
func (s *Server) sync(c fiber.Ctx) error {
	var req syncRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalid("body", "malformed JSON body")
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if req.ChannelID == "" {
		return invalid("channelId", "channelId is required")
	}
	if req.MaxResults < 0 {
		return invalid("maxResults", "must not be negative")
	}
	if req.MaxResults == 0 {
		req.MaxResults = s.cfg.SyncMax
	}

	ctx := c.Context()
	id, err := s.gateway.ResolveChannelID(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	res, err := s.syncer.Sync(ctx, id, req.MaxResults)
	if err != nil {
		return err
	}
	return c.JSON(newSyncResponse(res))
}

func newSyncResponse(res *youtube.SyncResult) syncResponse {
	out := syncResponse{
		Channel:     res.Channel,
		Summary:     res.Summary,
		Videos:      res.Videos,
		NewVideoIDs: res.NewVideoIDs,
	}
	if out.Videos == nil {
		out.Videos = []*storage.CrawledVideo{}
	}
	if out.NewVideoIDs == nil {
		out.NewVideoIDs = []string{}
	}
	return out
}

// download handles GET /download?url=&filename=, relaying an image as an
// attachment.
func (s *Server) download(c fiber.Ctx) error {
	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		return invalid("url", "url is required")
	}
	if err := s.fetcher.ValidateURL(target); err != nil {
		return invalid("url", err.Error())
	}
	name := strings.TrimSpace(c.Query("filename"))
	if name == "" {
		name = defaultFilename
	}

	resp, err := s.fetcher.Get(c.Context(), target)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, resp.ContentType("image/jpeg"))
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+url.PathEscape(name)+`"`)
	return c.Send(resp.Body)
}

// maxResults reads the maxResults query parameter, clamped to
// [1, MaxChannelVideos].
func maxResults(c fiber.Ctx, def int) (int, error) {
	raw := c.Query("maxResults")
	if raw == "" {
		return min(def, MaxChannelVideos), nil
	}
	n := fiber.Query[int](c, "maxResults", -1)
	if n < 1 {
		return 0, invalid("maxResults", "must be a positive integer")
	}
	return min(n, MaxChannelVideos), nil
}
