// Package storage defines the persistence contracts for ytdash: accounts,
// sessions, tracked channels and crawled video snapshots. Drivers live in
// storage/postgres and storage/sqlite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the entity already exists in storage.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("create", "read", "update", "delete", "sync").
	Op string
	// Entity is the entity type ("account", "session", "channel", "video").
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the main storage interface. Implementations must be safe for
// concurrent use.
type Store interface {
	AccountStore
	SessionStore
	ChannelStore
	VideoStore

	// Stats returns row counts for the admin overview.
	Stats(ctx context.Context) (*Stats, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// AccountStore handles user accounts.
type AccountStore interface {
	// CreateAccount saves a new account. Returns ErrAlreadyExists if the email is taken.
	CreateAccount(ctx context.Context, account *Account) error
	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountByEmail retrieves an account by its lower-cased email.
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
}

// SessionStore handles login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns ErrNotFound for unknown tokens. Expiry is checked by the caller.
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	// DeleteExpiredSessions removes sessions that expired before now.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ChannelStore handles channels tracked by users.
type ChannelStore interface {
	// CreateChannel saves a tracked channel. Returns ErrAlreadyExists when the
	// owner already tracks the same channel ID.
	CreateChannel(ctx context.Context, channel *TrackedChannel) error
	// GetChannel retrieves a tracked channel by internal ID, scoped to its owner.
	GetChannel(ctx context.Context, ownerID, id string) (*TrackedChannel, error)
	// ListChannels returns the owner's tracked channels, newest first.
	ListChannels(ctx context.Context, ownerID string) ([]*TrackedChannel, error)
	// DeleteChannel removes the owner's tracked channel. Returns ErrNotFound if
	// no such row belongs to the owner.
	DeleteChannel(ctx context.Context, ownerID, id string) error
	// RefreshChannelMetadata updates title, thumbnail and counters on every
	// tracked row for meta.ChannelID.
	RefreshChannelMetadata(ctx context.Context, meta ChannelMetadata) error
}

// VideoStore handles crawled video snapshots.
type VideoStore interface {
	// VideoFreshness returns the stored video IDs of a channel mapped to their
	// last view refresh time.
	VideoFreshness(ctx context.Context, channelID string) (map[string]time.Time, error)
	// ApplySync inserts new videos and refreshes counters of existing ones in
	// a single transaction. Inserts that conflict with an existing
	// (channel_id, video_id) row are skipped and not reported as inserted.
	ApplySync(ctx context.Context, channelID string, inserts []*CrawledVideo, updates []VideoCounters) (*SyncWrite, error)
	// ListVideos returns a channel's stored videos ordered by publish date, newest first.
	ListVideos(ctx context.Context, channelID string) ([]*CrawledVideo, error)
}
