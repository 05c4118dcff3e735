package youtube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"

	ythttp "ytdash/http"
)

const rssFeedURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"

// RSSLister reads a channel's public Atom feed. The feed only carries the 15
// most recent uploads but costs no API quota, so the gateway uses it as a
// fallback when quota runs low.
type RSSLister struct {
	client      *ythttp.Client
	parser      *gofeed.Parser
	urlTemplate string
}

// NewRSSLister creates a feed lister fetching through client.
func NewRSSLister(client *ythttp.Client) *RSSLister {
	if client == nil {
		client = ythttp.New(nil)
	}
	return &RSSLister{
		client:      client,
		parser:      gofeed.NewParser(),
		urlTemplate: rssFeedURLTemplate,
	}
}

// ListUploadIDs returns up to max video IDs from the feed, newest first.
func (r *RSSLister) ListUploadIDs(ctx context.Context, channelID string, max int) ([]string, error) {
	videos, err := r.Feed(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, min(max, len(videos)))
	for _, v := range videos {
		if len(ids) == max {
			break
		}
		ids = append(ids, v.ID)
	}
	return ids, nil
}

// Feed fetches and parses the channel's feed, newest first.
func (r *RSSLister) Feed(ctx context.Context, channelID string) ([]VideoSummary, error) {
	if !IsChannelID(channelID) {
		return nil, fmt.Errorf("%w: %q is not a channel ID (handles require resolution)", ErrInvalidInput, channelID)
	}

	feedURL := fmt.Sprintf(r.urlTemplate, url.QueryEscape(channelID))
	resp, err := r.client.Get(ctx, feedURL)
	if err != nil {
		var fetchErr *ythttp.FetchError
		if errors.As(err, &fetchErr) && fetchErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: feed for channel %s", ErrNotFound, channelID)
		}
		return nil, fmt.Errorf("youtube: rss %s: %w", channelID, err)
	}

	feed, err := r.parser.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("youtube: parse rss feed %s: %w", channelID, err)
	}
	return feedToVideos(feed, channelID), nil
}

func feedToVideos(feed *gofeed.Feed, channelID string) []VideoSummary {
	videos := make([]VideoSummary, 0, len(feed.Items))
	for _, item := range feed.Items {
		id := feedVideoID(item)
		if id == "" {
			continue
		}
		v := VideoSummary{
			ID:        id,
			Title:     item.Title,
			ChannelID: channelID,
		}
		if len(feed.Authors) > 0 && feed.Authors[0] != nil {
			v.ChannelTitle = feed.Authors[0].Name
		}
		if item.PublishedParsed != nil {
			v.PublishedAt = item.PublishedParsed.UTC()
		}
		if item.Image != nil {
			v.Thumbnail = item.Image.URL
		}
		if media, ok := item.Extensions["media"]; ok {
			for _, group := range media["group"] {
				if d := group.Children["description"]; len(d) > 0 {
					v.Description = d[0].Value
				}
				if th := group.Children["thumbnail"]; len(th) > 0 && v.Thumbnail == "" {
					v.Thumbnail = th[0].Attrs["url"]
				}
			}
		}
		videos = append(videos, v)
	}

	sort.SliceStable(videos, func(i, j int) bool {
		return videos[i].PublishedAt.After(videos[j].PublishedAt)
	})
	return videos
}

// feedVideoID reads <yt:videoId>, falling back to the "yt:video:<id>" entry ID.
func feedVideoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 && ids[0].Value != "" {
			return ids[0].Value
		}
	}
	if id, ok := strings.CutPrefix(item.GUID, "yt:video:"); ok {
		return id
	}
	if u, err := url.Parse(item.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}
