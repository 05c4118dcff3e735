package server

import (
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"ytdash/storage"
	"ytdash/youtube"
)

const timeLayout = time.RFC3339

type addChannelRequest struct {
	Channel  string `json:"channel"`
	Category string `json:"category"`
}

type addChannelResponse struct {
	Channel   *storage.TrackedChannel `json:"channel"`
	Summary   *youtube.SyncSummary    `json:"summary,omitempty"`
	SyncError string                  `json:"syncError,omitempty"`
}

// listChannels handles GET /channels.
func (s *Server) listChannels(c fiber.Ctx) error {
	user := currentUser(c)
	channels, err := s.store.ListChannels(c.Context(), user.ID)
	if err != nil {
		return err
	}
	if channels == nil {
		channels = []*storage.TrackedChannel{}
	}
	return c.JSON(fiber.Map{
		"channels":   channels,
		"categories": categories(channels),
	})
}

// categories returns the distinct non-empty categories, sorted.
func categories(channels []*storage.TrackedChannel) []string {
	out := []string{}
	for _, ch := range channels {
		if ch.Category != "" && !slices.Contains(out, ch.Category) {
			out = append(out, ch.Category)
		}
	}
	slices.Sort(out)
	return out
}

// addChannel handles POST /channels. The channel is stored first, then an
// initial sync runs; a failed sync keeps the row and reports syncError.
func (s *Server) addChannel(c fiber.Ctx) error {
	var req addChannelRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalid("body", "malformed JSON body")
	}
	if strings.TrimSpace(req.Channel) == "" {
		return invalid("channel", "channel ID or handle is required")
	}

	ctx := c.Context()
	user := currentUser(c)

	id, err := s.gateway.ResolveChannelID(ctx, req.Channel)
	if err != nil {
		return err
	}
	info, err := s.gateway.GetChannel(ctx, id)
	if err != nil {
		return err
	}

	tracked := storage.NewTrackedChannel(user.ID, storage.ChannelMetadata{
		ChannelID:       info.ID,
		Title:           info.Title,
		ThumbnailURL:    info.Thumbnail,
		SubscriberCount: info.SubscriberCount,
		VideoCount:      info.VideoCount,
	}, req.Category)
	if err := s.store.CreateChannel(ctx, tracked); err != nil {
		return err
	}
	s.log.Info().Str("channel_id", info.ID).Str("owner_id", user.ID).Msg("channel tracked")

	resp := addChannelResponse{Channel: tracked}
	res, err := s.syncer.Sync(ctx, info.ID, InitialSyncMax)
	if err != nil {
		s.log.Warn().Err(err).Str("channel_id", info.ID).Msg("initial sync failed")
		_, resp.SyncError = classify(err)
	} else {
		resp.Summary = &res.Summary
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// deleteChannel handles DELETE /channels/:id.
func (s *Server) deleteChannel(c fiber.Ctx) error {
	if err := s.store.DeleteChannel(c.Context(), currentUser(c).ID, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// channelVideos handles GET /channels/:channelId/videos. Only channels the
// caller tracks are visible.
func (s *Server) channelVideos(c fiber.Ctx) error {
	ctx := c.Context()
	channelID := c.Params("channelId")

	channels, err := s.store.ListChannels(ctx, currentUser(c).ID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(channels, func(ch *storage.TrackedChannel) bool {
		return ch.ChannelID == channelID
	}) {
		return storage.ErrNotFound
	}

	videos, err := s.store.ListVideos(ctx, channelID)
	if err != nil {
		return err
	}
	newIDs := []string{}
	for _, v := range videos {
		if v.IsNew {
			newIDs = append(newIDs, v.VideoID)
		}
	}
	if videos == nil {
		videos = []*storage.CrawledVideo{}
	}
	return c.JSON(fiber.Map{"videos": videos, "newVideoIds": newIDs})
}
