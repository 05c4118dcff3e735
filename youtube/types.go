// Package youtube talks to the YouTube Data API v3 and synchronizes a
// channel's uploads into storage.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors for gateway operations.
var (
	// ErrNotFound is returned when a channel or video cannot be resolved.
	ErrNotFound = errors.New("youtube: not found")
	// ErrInvalidInput is returned for empty queries and malformed identifiers.
	ErrInvalidInput = errors.New("youtube: invalid input")
	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("youtube: API key is not configured")
	// ErrQuotaExhausted is returned when the estimated quota is below the reserve
	// and no fallback is available.
	ErrQuotaExhausted = errors.New("youtube: quota exhausted")
)

// UpstreamError reports an error payload returned by the Data API.
//
//	var upErr *youtube.UpstreamError
//	if errors.As(err, &upErr) && upErr.ClientError() {
//		// the request itself was rejected
//	}
type UpstreamError struct {
	// Endpoint is the API method that failed ("search.list", "videos.list", ...).
	Endpoint string
	// StatusCode is the HTTP status the provider answered with.
	StatusCode int
	// Message is the provider's error message.
	Message string
	// Reason is the first error reason, e.g. "quotaExceeded" or "keyInvalid".
	Reason string
}

func (e *UpstreamError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("youtube: %s: %d %s (%s)", e.Endpoint, e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("youtube: %s: %d %s", e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap lets errors.Is(err, ErrNotFound) match provider 404s.
func (e *UpstreamError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// ClientError reports whether the provider rejected the request (4xx).
func (e *UpstreamError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// QuotaExceeded reports whether the error is a daily quota rejection.
func (e *UpstreamError) QuotaExceeded() bool {
	return e.StatusCode == http.StatusForbidden &&
		(e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded")
}

// VideoSummary is a video search result.
type VideoSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Thumbnail    string    `json:"thumbnail"`
	ChannelID    string    `json:"channelId"`
	ChannelTitle string    `json:"channelTitle"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// ChannelInfo is a channel's metadata and statistics.
type ChannelInfo struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	CustomURL       string `json:"customUrl,omitempty"`
	Thumbnail       string `json:"thumbnail"`
	SubscriberCount int64  `json:"subscriberCount"`
	VideoCount      int64  `json:"videoCount"`
	ViewCount       int64  `json:"viewCount"`
	// UploadsPlaylistID is the channel's uploads collection.
	UploadsPlaylistID string `json:"-"`
}

// VideoDetails is a video's snippet and statistics.
type VideoDetails struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channelId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	ThumbnailMedium string    `json:"thumbnailMedium"`
	ThumbnailMaxres string    `json:"thumbnailMaxres"`
	ViewCount       int64     `json:"viewCount"`
	LikeCount       int64     `json:"likeCount"`
	CommentCount    int64     `json:"commentCount"`
	PublishedAt     time.Time `json:"publishedAt"`
}

// WatchURL returns the watch page URL for a video ID.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// UploadLister lists a channel's most recent upload IDs, newest first.
// The RSS feed implements it as a quota-free fallback for the Data API.
type UploadLister interface {
	ListUploadIDs(ctx context.Context, channelID string, max int) ([]string, error)
}

// channelIDRegex matches YouTube channel IDs (UC followed by 22 base64url chars).
var channelIDRegex = regexp.MustCompile(`^UC[a-zA-Z0-9_-]{22}$`)

// IsChannelID reports whether s has the canonical channel ID shape.
func IsChannelID(s string) bool {
	return channelIDRegex.MatchString(s)
}

// ExtractChannelID returns the canonical ID carried by s, which may be a bare
// ID or a youtube.com/channel/<id> URL. ok is false for handles and names.
func ExtractChannelID(s string) (id string, ok bool) {
	s = strings.TrimSpace(s)
	if IsChannelID(s) {
		return s, true
	}
	if _, rest, found := strings.Cut(s, "youtube.com/channel/"); found {
		id = rest
		if i := strings.IndexAny(id, "/?#"); i >= 0 {
			id = id[:i]
		}
		if IsChannelID(id) {
			return id, true
		}
	}
	return "", false
}

// UploadsPlaylistID derives the uploads playlist from a channel ID ("UC..." -> "UU...").
func UploadsPlaylistID(channelID string) string {
	if !IsChannelID(channelID) {
		return ""
	}
	return "UU" + channelID[2:]
}
