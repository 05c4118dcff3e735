package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is an account's role. Capabilities are derived from it by package auth.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account is a dashboard user.
type Account struct {
	// ID is the internal unique identifier (UUID).
	ID string `json:"id"`
	// Email is unique and stored lower-cased.
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewAccount creates an account with a fresh ID and a normalized email.
func NewAccount(email, passwordHash string, role Role) *Account {
	return &Account{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session is a login session identified by an opaque token.
type Session struct {
	Token     string    `json:"-"`
	AccountID string    `json:"accountId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TrackedChannel is a YouTube channel a user has added to their dashboard.
type TrackedChannel struct {
	// ID is the internal unique identifier (UUID).
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	// ChannelID is the canonical YouTube channel ID (e.g., "UCxxxxxxxxxxxxxxxxxxxxxx").
	ChannelID       string    `json:"channelId"`
	Title           string    `json:"title"`
	ThumbnailURL    string    `json:"thumbnailUrl"`
	SubscriberCount int64     `json:"subscriberCount"`
	VideoCount      int64     `json:"videoCount"`
	Category        string    `json:"category,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewTrackedChannel creates a tracked channel with a fresh ID.
func NewTrackedChannel(ownerID string, meta ChannelMetadata, category string) *TrackedChannel {
	return &TrackedChannel{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		ChannelID:       meta.ChannelID,
		Title:           meta.Title,
		ThumbnailURL:    meta.ThumbnailURL,
		SubscriberCount: meta.SubscriberCount,
		VideoCount:      meta.VideoCount,
		Category:        strings.TrimSpace(category),
		CreatedAt:       time.Now().UTC(),
	}
}

// ChannelMetadata is the provider-side channel data copied onto tracked rows.
type ChannelMetadata struct {
	ChannelID       string
	Title           string
	ThumbnailURL    string
	SubscriberCount int64
	VideoCount      int64
}

// CrawledVideo is a stored snapshot of a video's metadata and counters.
type CrawledVideo struct {
	ChannelID string `json:"channelId"`
	// VideoID is the YouTube video ID (e.g., "dQw4w9WgXcQ").
	VideoID         string    `json:"id"`
	Title           string    `json:"title"`
	ThumbnailURL    string    `json:"thumbnailMedium"`
	ThumbnailMaxres string    `json:"thumbnailMaxres"`
	ViewCount       int64     `json:"viewCount"`
	LikeCount       int64     `json:"likeCount"`
	CommentCount    int64     `json:"commentCount"`
	PublishedAt     time.Time `json:"publishedAt"`
	CrawledAt       time.Time `json:"crawledAt"`
	ViewUpdatedAt   time.Time `json:"viewUpdatedAt"`
	IsNew           bool      `json:"isNew"`
}

// VideoCounters carries refreshed counters for an existing video.
type VideoCounters struct {
	VideoID      string
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	UpdatedAt    time.Time
}

// SyncWrite reports what ApplySync changed.
type SyncWrite struct {
	// Inserted lists video IDs actually inserted, in input order.
	Inserted []string
	// Updated counts rows whose counters were refreshed.
	Updated int
}

// Stats holds row counts for the admin overview.
type Stats struct {
	Accounts        int64 `json:"accounts"`
	TrackedChannels int64 `json:"trackedChannels"`
	Videos          int64 `json:"videos"`
	ActiveSessions  int64 `json:"activeSessions"`
}
