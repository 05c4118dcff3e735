// Package sqlite implements storage.Store on SQLite via modernc.org/sqlite.
// Timestamps are stored as Unix milliseconds in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ytdash/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed storage.Store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// single writer; also keeps a :memory: database alive on one connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.With().Str("component", "store").Str("driver", "sqlite").Logger()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, name, toMillis(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
		s.log.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns row counts for the admin overview.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var st storage.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM accounts),
		(SELECT COUNT(*) FROM tracked_channels),
		(SELECT COUNT(*) FROM crawled_videos),
		(SELECT COUNT(*) FROM sessions WHERE expires_at > ?)`, toMillis(time.Now())).
		Scan(&st.Accounts, &st.TrackedChannels, &st.Videos, &st.ActiveSessions)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "stats", Err: err}
	}
	return &st, nil
}

// CreateAccount saves a new account.
func (s *Store) CreateAccount(ctx context.Context, a *storage.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), toMillis(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.StorageError{Op: "create", Entity: "account", ID: a.Email, Err: storage.ErrAlreadyExists}
		}
		return &storage.StorageError{Op: "create", Entity: "account", ID: a.Email, Err: err}
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	return s.getAccount(ctx, `WHERE id = ?`, id)
}

// GetAccountByEmail retrieves an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error) {
	return s.getAccount(ctx, `WHERE email = ?`, storage.NormalizeEmail(email))
}

func (s *Store) getAccount(ctx context.Context, where, arg string) (*storage.Account, error) {
	var (
		a       storage.Account
		role    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM accounts `+where, arg).
		Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "account", ID: arg, Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "account", ID: arg, Err: err}
	}
	a.Role = storage.Role(role)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// CreateSession saves a new session.
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.AccountID, toMillis(sess.CreatedAt), toMillis(sess.ExpiresAt))
	if err != nil {
		return &storage.StorageError{Op: "create", Entity: "session", Err: err}
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	var (
		sess             storage.Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, account_id, created_at, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&sess.Token, &sess.AccountID, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "session", Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "session", Err: err}
	}
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	return &sess, nil
}

// DeleteSession removes a session. Deleting an unknown token is not an error.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return &storage.StorageError{Op: "delete", Entity: "session", Err: err}
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, &storage.StorageError{Op: "delete", Entity: "session", Err: err}
	}
	return res.RowsAffected()
}

// CreateChannel saves a tracked channel.
func (s *Store) CreateChannel(ctx context.Context, ch *storage.TrackedChannel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_channels
			(id, owner_id, channel_id, title, thumbnail_url, subscriber_count, video_count, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.OwnerID, ch.ChannelID, ch.Title, ch.ThumbnailURL,
		ch.SubscriberCount, ch.VideoCount, ch.Category, toMillis(ch.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.StorageError{Op: "create", Entity: "channel", ID: ch.ChannelID, Err: storage.ErrAlreadyExists}
		}
		return &storage.StorageError{Op: "create", Entity: "channel", ID: ch.ChannelID, Err: err}
	}
	return nil
}

const channelColumns = `id, owner_id, channel_id, title, thumbnail_url, subscriber_count, video_count, category, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*storage.TrackedChannel, error) {
	var (
		ch      storage.TrackedChannel
		created int64
	)
	if err := row.Scan(&ch.ID, &ch.OwnerID, &ch.ChannelID, &ch.Title, &ch.ThumbnailURL,
		&ch.SubscriberCount, &ch.VideoCount, &ch.Category, &created); err != nil {
		return nil, err
	}
	ch.CreatedAt = fromMillis(created)
	return &ch, nil
}

// GetChannel retrieves a tracked channel owned by ownerID.
func (s *Store) GetChannel(ctx context.Context, ownerID, id string) (*storage.TrackedChannel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM tracked_channels WHERE owner_id = ? AND id = ?`, ownerID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "channel", ID: id, Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "channel", ID: id, Err: err}
	}
	return ch, nil
}

// ListChannels returns the owner's tracked channels, newest first.
func (s *Store) ListChannels(ctx context.Context, ownerID string) ([]*storage.TrackedChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM tracked_channels WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "channel", Err: err}
	}
	defer rows.Close()

	var out []*storage.TrackedChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "channel", Err: err}
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "channel", Err: err}
	}
	return out, nil
}

// DeleteChannel removes the owner's tracked channel.
func (s *Store) DeleteChannel(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_channels WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return &storage.StorageError{Op: "delete", Entity: "channel", ID: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.StorageError{Op: "delete", Entity: "channel", ID: id, Err: storage.ErrNotFound}
	}
	return nil
}

// RefreshChannelMetadata updates every tracked row for meta.ChannelID.
func (s *Store) RefreshChannelMetadata(ctx context.Context, meta storage.ChannelMetadata) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_channels
		SET title = ?, thumbnail_url = ?, subscriber_count = ?, video_count = ?
		WHERE channel_id = ?`,
		meta.Title, meta.ThumbnailURL, meta.SubscriberCount, meta.VideoCount, meta.ChannelID)
	if err != nil {
		return &storage.StorageError{Op: "update", Entity: "channel", ID: meta.ChannelID, Err: err}
	}
	return nil
}

// VideoFreshness returns stored video IDs with their last refresh time.
func (s *Store) VideoFreshness(ctx context.Context, channelID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT video_id, view_updated_at FROM crawled_videos WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id      string
			updated int64
		)
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
		}
		out[id] = fromMillis(updated)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	return out, nil
}

// ApplySync writes a sync's inserts and counter refreshes in one transaction.
func (s *Store) ApplySync(ctx context.Context, channelID string, inserts []*storage.CrawledVideo, updates []storage.VideoCounters) (*storage.SyncWrite, error) {
	wrap := func(err error) error {
		return &storage.StorageError{Op: "sync", Entity: "video", ID: channelID, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap(err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO crawled_videos
		(channel_id, video_id, title, thumbnail_url, thumbnail_maxres, view_count, like_count,
		 comment_count, published_at, crawled_at, view_updated_at, is_new)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (channel_id, video_id) DO NOTHING`)
	if err != nil {
		return nil, wrap(err)
	}
	defer insert.Close()

	update, err := tx.PrepareContext(ctx, `UPDATE crawled_videos
		SET view_count = ?, like_count = ?, comment_count = ?, view_updated_at = ?, is_new = 0
		WHERE channel_id = ? AND video_id = ?`)
	if err != nil {
		return nil, wrap(err)
	}
	defer update.Close()

	result := &storage.SyncWrite{}
	for _, v := range inserts {
		res, err := insert.ExecContext(ctx, channelID, v.VideoID, v.Title, v.ThumbnailURL, v.ThumbnailMaxres,
			v.ViewCount, v.LikeCount, v.CommentCount,
			toMillis(v.PublishedAt), toMillis(v.CrawledAt), toMillis(v.ViewUpdatedAt))
		if err != nil {
			return nil, wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result.Inserted = append(result.Inserted, v.VideoID)
		}
	}
	for _, u := range updates {
		res, err := update.ExecContext(ctx, u.ViewCount, u.LikeCount, u.CommentCount, toMillis(u.UpdatedAt), channelID, u.VideoID)
		if err != nil {
			return nil, wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// ListVideos returns a channel's videos, newest first.
func (s *Store) ListVideos(ctx context.Context, channelID string) ([]*storage.CrawledVideo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		channel_id, video_id, title, thumbnail_url, thumbnail_maxres, view_count, like_count,
		comment_count, published_at, crawled_at, view_updated_at, is_new
		FROM crawled_videos WHERE channel_id = ?
		ORDER BY published_at DESC, video_id`, channelID)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	defer rows.Close()

	var out []*storage.CrawledVideo
	for rows.Next() {
		var (
			v                           storage.CrawledVideo
			published, crawled, updated int64
			isNew                       int
		)
		if err := rows.Scan(&v.ChannelID, &v.VideoID, &v.Title, &v.ThumbnailURL, &v.ThumbnailMaxres,
			&v.ViewCount, &v.LikeCount, &v.CommentCount, &published, &crawled, &updated, &isNew); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
		}
		v.PublishedAt = fromMillis(published)
		v.CrawledAt = fromMillis(crawled)
		v.ViewUpdatedAt = fromMillis(updated)
		v.IsNew = isNew != 0
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE")
		}
	}
	return false
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ storage.Store = (*Store)(nil)
