// Package storagetest holds a conformance suite shared by the storage drivers.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdash/storage"
)

// Run exercises every storage.Store operation against s. The store must be
// empty when Run is called.
func Run(t *testing.T, s storage.Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, s) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, s) })
	t.Run("Channels", func(t *testing.T) { testChannels(t, s) })
	t.Run("ApplySync", func(t *testing.T) { testApplySync(t, s) })
	t.Run("Stats", func(t *testing.T) { testStats(t, s) })
}

func account(t *testing.T, s storage.Store, email string) *storage.Account {
	t.Helper()
	a := storage.NewAccount(email, "$2a$10$hash", storage.RoleUser)
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func testAccounts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := account(t, s, "  Alice@Example.com ")

	got, err := s.GetAccountByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, storage.RoleUser, got.Role)

	byID, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, byID.Email)

	dup := storage.NewAccount("alice@example.com", "x", storage.RoleUser)
	err = s.CreateAccount(ctx, dup)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)

	_, err = s.GetAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var storErr *storage.StorageError
	require.ErrorAs(t, err, &storErr)
	assert.Equal(t, "account", storErr.Entity)
}

func testSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := account(t, s, "sessions@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)

	live := &storage.Session{Token: "live-token", AccountID: a.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := &storage.Session{Token: "dead-token", AccountID: a.ID, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.CreateSession(ctx, live))
	require.NoError(t, s.CreateSession(ctx, dead))

	got, err := s.GetSession(ctx, "live-token")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.AccountID)
	assert.True(t, got.ExpiresAt.Equal(live.ExpiresAt))
	assert.False(t, got.Expired(now))

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "dead-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "live-token"))
	_, err = s.GetSession(ctx, "live-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testChannels(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := account(t, s, "owner-a@example.com")
	bob := account(t, s, "owner-b@example.com")

	meta := storage.ChannelMetadata{ChannelID: "UC_x5XG1OV2P6uZZ5FSM9Ttw", Title: "Google for Developers", SubscriberCount: 100}
	first := storage.NewTrackedChannel(alice.ID, meta, "tech")
	require.NoError(t, s.CreateChannel(ctx, first))

	second := storage.NewTrackedChannel(alice.ID, storage.ChannelMetadata{ChannelID: "UCBR8-60-B28hp2BmDPdntcQ", Title: "YouTube"}, "")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, s.CreateChannel(ctx, second))

	// same channel, different owner
	require.NoError(t, s.CreateChannel(ctx, storage.NewTrackedChannel(bob.ID, meta, "")))

	err := s.CreateChannel(ctx, storage.NewTrackedChannel(alice.ID, meta, "dup"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	list, err := s.ListChannels(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, "tech", list[1].Category)

	require.NoError(t, s.RefreshChannelMetadata(ctx, storage.ChannelMetadata{
		ChannelID: meta.ChannelID, Title: "Renamed", ThumbnailURL: "https://yt3.ggpht.com/a.jpg",
		SubscriberCount: 250, VideoCount: 12,
	}))
	got, err := s.GetChannel(ctx, alice.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, int64(250), got.SubscriberCount)
	assert.Equal(t, int64(12), got.VideoCount)

	bobs, err := s.ListChannels(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "Renamed", bobs[0].Title)

	_, err = s.GetChannel(ctx, bob.ID, first.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "rows are scoped to their owner")

	assert.ErrorIs(t, s.DeleteChannel(ctx, bob.ID, first.ID), storage.ErrNotFound)
	require.NoError(t, s.DeleteChannel(ctx, alice.ID, first.ID))
	_, err = s.GetChannel(ctx, alice.ID, first.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func video(id string, published, now time.Time) *storage.CrawledVideo {
	return &storage.CrawledVideo{
		VideoID:         id,
		Title:           "video " + id,
		ThumbnailURL:    "https://i.ytimg.com/vi/" + id + "/mqdefault.jpg",
		ThumbnailMaxres: "https://i.ytimg.com/vi/" + id + "/maxresdefault.jpg",
		ViewCount:       10,
		LikeCount:       2,
		CommentCount:    1,
		PublishedAt:     published,
		CrawledAt:       now,
		ViewUpdatedAt:   now,
		IsNew:           true,
	}
}

func testApplySync(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const channelID = "UCsyncsyncsyncsyncsyncsy"
	now := time.Now().UTC().Truncate(time.Millisecond)
	day := 24 * time.Hour

	w, err := s.ApplySync(ctx, channelID, []*storage.CrawledVideo{
		video("vid-a", now.Add(-3*day), now),
		video("vid-b", now.Add(-1*day), now),
		video("vid-c", now.Add(-2*day), now),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-a", "vid-b", "vid-c"}, w.Inserted)
	assert.Zero(t, w.Updated)

	fresh, err := s.VideoFreshness(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, fresh, 3)
	assert.True(t, fresh["vid-a"].Equal(now))

	later := now.Add(11 * day)
	w, err = s.ApplySync(ctx, channelID,
		[]*storage.CrawledVideo{video("vid-b", now.Add(-1*day), later), video("vid-d", now, later)},
		[]storage.VideoCounters{{VideoID: "vid-a", ViewCount: 999, LikeCount: 50, CommentCount: 7, UpdatedAt: later}})
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-d"}, w.Inserted, "conflicting insert is skipped")
	assert.Equal(t, 1, w.Updated)

	videos, err := s.ListVideos(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, videos, 4)

	ids := make([]string, len(videos))
	for i, v := range videos {
		ids[i] = v.VideoID
	}
	assert.Equal(t, []string{"vid-d", "vid-b", "vid-c", "vid-a"}, ids, "publish date descending")

	a := videos[3]
	assert.Equal(t, int64(999), a.ViewCount)
	assert.Equal(t, int64(50), a.LikeCount)
	assert.Equal(t, int64(7), a.CommentCount)
	assert.True(t, a.ViewUpdatedAt.Equal(later))
	assert.True(t, a.CrawledAt.Equal(now), "crawl time is kept on refresh")
	assert.False(t, a.IsNew)

	b := videos[1]
	assert.True(t, b.IsNew, "untouched rows keep their flag")
	assert.Equal(t, int64(10), b.ViewCount)
	assert.Equal(t, "https://i.ytimg.com/vi/vid-b/maxresdefault.jpg", b.ThumbnailMaxres)

	other, err := s.ListVideos(ctx, "UCotherotherotherotherot")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testStats(t *testing.T, s storage.Store) {
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Accounts, int64(1))
	assert.GreaterOrEqual(t, st.Videos, int64(4))
	require.NoError(t, s.Ping(context.Background()))
}
