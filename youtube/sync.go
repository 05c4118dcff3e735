package youtube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ytdash/internal/metrics"
	"ytdash/storage"
)

// Sync window defaults.
const (
	DefaultSyncMax    = 50
	MaxSyncMax        = 500
	DefaultStaleAfter = 10 * 24 * time.Hour
)

// VideoSource is the part of the Gateway a sync needs.
type VideoSource interface {
	GetChannel(ctx context.Context, channelID string) (*ChannelInfo, error)
	ListUploadIDs(ctx context.Context, playlistID string, max int) ([]string, error)
	GetVideos(ctx context.Context, ids []string) ([]VideoDetails, error)
}

// SyncStore is the part of storage.Store a sync needs.
type SyncStore interface {
	storage.VideoStore
	RefreshChannelMetadata(ctx context.Context, meta storage.ChannelMetadata) error
}

// SyncConfig configures a SyncManager.
type SyncConfig struct {
	// StaleAfter is how old a video's counters may get before a sync refreshes them.
	StaleAfter time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// SyncManager diffs a channel's recent uploads against stored snapshots,
// inserting new videos and refreshing stale counters. Syncs of the same
// channel are serialized.
type SyncManager struct {
	source     VideoSource
	store      SyncStore
	staleAfter time.Duration
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

// NewSyncManager creates a sync manager.
func NewSyncManager(source VideoSource, store SyncStore, cfg SyncConfig) *SyncManager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &SyncManager{
		source:     source,
		store:      store,
		staleAfter: cfg.StaleAfter,
		log:        cfg.Logger.With().Str("component", "sync").Logger(),
		metrics:    cfg.Metrics,
		now:        time.Now,
		locks:      make(map[string]*channelLock),
	}
}

// SyncSummary counts what a sync did.
type SyncSummary struct {
	TotalVideos   int `json:"totalVideos"`
	NewVideos     int `json:"newVideos"`
	UpdatedVideos int `json:"updatedVideos"`
}

// SyncResult contains the outcome of a sync operation.
type SyncResult struct {
	Channel ChannelInfo
	// Videos is every stored video of the channel, newest first.
	Videos []*storage.CrawledVideo
	// NewVideoIDs lists the videos inserted by this sync.
	NewVideoIDs []string
	Summary     SyncSummary
}

// SyncPlan partitions fetched upload IDs against stored freshness.
type SyncPlan struct {
	New   []string
	Stale []string
	Fresh []string
}

// Fetch returns New followed by Stale: the IDs whose details must be fetched.
func (p SyncPlan) Fetch() []string {
	out := make([]string, 0, len(p.New)+len(p.Stale))
	out = append(out, p.New...)
	return append(out, p.Stale...)
}

// PlanSync classifies ids, deduplicated in first-seen order. An ID is stale
// when now - lastRefresh >= staleAfter.
func PlanSync(ids []string, existing map[string]time.Time, now time.Time, staleAfter time.Duration) SyncPlan {
	var plan SyncPlan
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		refreshed, ok := existing[id]
		switch {
		case !ok:
			plan.New = append(plan.New, id)
		case now.Sub(refreshed) >= staleAfter:
			plan.Stale = append(plan.Stale, id)
		default:
			plan.Fresh = append(plan.Fresh, id)
		}
	}
	return plan
}

// ClampMax applies the default and bounds to a requested sync window.
func ClampMax(n int) int {
	switch {
	case n <= 0:
		return DefaultSyncMax
	case n > MaxSyncMax:
		return MaxSyncMax
	default:
		return n
	}
}

// Sync synchronizes the most recent maxResults uploads of channelID. Any
// gateway failure aborts the sync before anything is written.
func (sm *SyncManager) Sync(ctx context.Context, channelID string, maxResults int) (result *SyncResult, err error) {
	if !IsChannelID(channelID) {
		return nil, fmt.Errorf("%w: %q is not a channel ID", ErrInvalidInput, channelID)
	}
	maxResults = ClampMax(maxResults)

	unlock := sm.lock(channelID)
	defer unlock()

	start := sm.now()
	log := sm.log.With().Str("channel_id", channelID).Int("max", maxResults).Logger()
	defer func() {
		inserted, updated := 0, 0
		if result != nil {
			inserted, updated = result.Summary.NewVideos, result.Summary.UpdatedVideos
		}
		sm.metrics.SyncCompleted(time.Since(start).Seconds(), inserted, updated, err)
		if err != nil {
			log.Warn().Err(err).Msg("sync failed")
		}
	}()

	info, err := sm.source.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	ids, err := sm.source.ListUploadIDs(ctx, info.UploadsPlaylistID, maxResults)
	if err != nil {
		return nil, err
	}

	existing, err := sm.store.VideoFreshness(ctx, channelID)
	if err != nil {
		return nil, err
	}

	now := sm.now().UTC()
	plan := PlanSync(ids, existing, now, sm.staleAfter)
	log.Debug().
		Int("fetched", len(ids)).
		Int("new", len(plan.New)).
		Int("stale", len(plan.Stale)).
		Int("fresh", len(plan.Fresh)).
		Msg("sync plan")

	var (
		inserts []*storage.CrawledVideo
		updates []storage.VideoCounters
	)
	if fetch := plan.Fetch(); len(fetch) > 0 {
		details, err := sm.source.GetVideos(ctx, fetch)
		if err != nil {
			return nil, err
		}
		inserts, updates = buildWrites(channelID, details, plan, now)
	}

	write, err := sm.store.ApplySync(ctx, channelID, inserts, updates)
	if err != nil {
		return nil, err
	}

	if err := sm.store.RefreshChannelMetadata(ctx, storage.ChannelMetadata{
		ChannelID:       info.ID,
		Title:           info.Title,
		ThumbnailURL:    info.Thumbnail,
		SubscriberCount: info.SubscriberCount,
		VideoCount:      info.VideoCount,
	}); err != nil {
		log.Warn().Err(err).Msg("refresh tracked channel metadata")
	}

	videos, err := sm.store.ListVideos(ctx, channelID)
	if err != nil {
		return nil, err
	}

	newIDs := write.Inserted
	if newIDs == nil {
		newIDs = []string{}
	}
	result = &SyncResult{
		Channel:     *info,
		Videos:      videos,
		NewVideoIDs: newIDs,
		Summary: SyncSummary{
			TotalVideos:   len(videos),
			NewVideos:     len(write.Inserted),
			UpdatedVideos: write.Updated,
		},
	}
	log.Info().
		Int("total", result.Summary.TotalVideos).
		Int("new", result.Summary.NewVideos).
		Int("updated", result.Summary.UpdatedVideos).
		Dur("took", time.Since(start)).
		Msg("sync complete")
	return result, nil
}

func buildWrites(channelID string, details []VideoDetails, plan SyncPlan, now time.Time) ([]*storage.CrawledVideo, []storage.VideoCounters) {
	isNew := make(map[string]bool, len(plan.New))
	for _, id := range plan.New {
		isNew[id] = true
	}

	var (
		inserts []*storage.CrawledVideo
		updates []storage.VideoCounters
	)
	for _, d := range details {
		if isNew[d.ID] {
			inserts = append(inserts, &storage.CrawledVideo{
				ChannelID:       channelID,
				VideoID:         d.ID,
				Title:           d.Title,
				ThumbnailURL:    d.ThumbnailMedium,
				ThumbnailMaxres: d.ThumbnailMaxres,
				ViewCount:       d.ViewCount,
				LikeCount:       d.LikeCount,
				CommentCount:    d.CommentCount,
				PublishedAt:     d.PublishedAt,
				CrawledAt:       now,
				ViewUpdatedAt:   now,
				IsNew:           true,
			})
			continue
		}
		updates = append(updates, storage.VideoCounters{
			VideoID:      d.ID,
			ViewCount:    d.ViewCount,
			LikeCount:    d.LikeCount,
			CommentCount: d.CommentCount,
			UpdatedAt:    now,
		})
	}
	return inserts, updates
}

// lock serializes syncs per channel and returns the matching unlock.
func (sm *SyncManager) lock(channelID string) func() {
	sm.mu.Lock()
	l, ok := sm.locks[channelID]
	if !ok {
		l = &channelLock{}
		sm.locks[channelID] = l
	}
	l.refs++
	sm.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		sm.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(sm.locks, channelID)
		}
		sm.mu.Unlock()
	}
}
