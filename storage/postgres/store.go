// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ytdash/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open creates a connection pool for databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool, log: log.With().Str("component", "store").Str("driver", "postgres").Logger()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: run migrations: %w", err)
	}

	s.log.Info().Str("host", config.ConnConfig.Host).Msg("postgres connected")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return fmt.Errorf("execute %s: %w", name, err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return err
		}
		s.log.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Stats returns row counts for the admin overview.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var st storage.Stats
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM accounts),
		(SELECT COUNT(*) FROM tracked_channels),
		(SELECT COUNT(*) FROM crawled_videos),
		(SELECT COUNT(*) FROM sessions WHERE expires_at > now())`).
		Scan(&st.Accounts, &st.TrackedChannels, &st.Videos, &st.ActiveSessions)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "stats", Err: err}
	}
	return &st, nil
}

// CreateAccount saves a new account.
func (s *Store) CreateAccount(ctx context.Context, a *storage.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), a.CreatedAt)
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
	return s.getAccount(ctx, `WHERE id::text = $1`, id)
}

// GetAccountByEmail retrieves an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error) {
	return s.getAccount(ctx, `WHERE email = $1`, storage.NormalizeEmail(email))
}

func (s *Store) getAccount(ctx context.Context, where, arg string) (*storage.Account, error) {
	var (
		a    storage.Account
		role string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, email, password_hash, role, created_at FROM accounts `+where, arg).
		Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "account", ID: arg, Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "account", ID: arg, Err: err}
	}
	a.Role = storage.Role(role)
	return &a, nil
}

// CreateSession saves a new session.
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, account_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		sess.Token, sess.AccountID, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return &storage.StorageError{Op: "create", Entity: "session", Err: err}
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *Store) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	var sess storage.Session
	err := s.pool.QueryRow(ctx,
		`SELECT token, account_id::text, created_at, expires_at FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.AccountID, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "session", Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "session", Err: err}
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		return &storage.StorageError{Op: "delete", Entity: "session", Err: err}
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, &storage.StorageError{Op: "delete", Entity: "session", Err: err}
	}
	return tag.RowsAffected(), nil
}

// CreateChannel saves a tracked channel.
func (s *Store) CreateChannel(ctx context.Context, ch *storage.TrackedChannel) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_channels
			(id, owner_id, channel_id, title, thumbnail_url, subscriber_count, video_count, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.OwnerID, ch.ChannelID, ch.Title, ch.ThumbnailURL,
		ch.SubscriberCount, ch.VideoCount, ch.Category, ch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.StorageError{Op: "create", Entity: "channel", ID: ch.ChannelID, Err: storage.ErrAlreadyExists}
		}
		return &storage.StorageError{Op: "create", Entity: "channel", ID: ch.ChannelID, Err: err}
	}
	return nil
}

const channelColumns = `id::text, owner_id::text, channel_id, title, thumbnail_url, subscriber_count, video_count, category, created_at`

func scanChannel(row pgx.Row) (*storage.TrackedChannel, error) {
	var ch storage.TrackedChannel
	if err := row.Scan(&ch.ID, &ch.OwnerID, &ch.ChannelID, &ch.Title, &ch.ThumbnailURL,
		&ch.SubscriberCount, &ch.VideoCount, &ch.Category, &ch.CreatedAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannel retrieves a tracked channel owned by ownerID.
func (s *Store) GetChannel(ctx context.Context, ownerID, id string) (*storage.TrackedChannel, error) {
	ch, err := scanChannel(s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM tracked_channels WHERE owner_id::text = $1 AND id::text = $2`, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.StorageError{Op: "read", Entity: "channel", ID: id, Err: storage.ErrNotFound}
		}
		return nil, &storage.StorageError{Op: "read", Entity: "channel", ID: id, Err: err}
	}
	return ch, nil
}

// ListChannels returns the owner's tracked channels, newest first.
func (s *Store) ListChannels(ctx context.Context, ownerID string) ([]*storage.TrackedChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM tracked_channels WHERE owner_id::text = $1 ORDER BY created_at DESC, id`, ownerID)
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
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tracked_channels WHERE owner_id::text = $1 AND id::text = $2`, ownerID, id)
	if err != nil {
		return &storage.StorageError{Op: "delete", Entity: "channel", ID: id, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &storage.StorageError{Op: "delete", Entity: "channel", ID: id, Err: storage.ErrNotFound}
	}
	return nil
}

// RefreshChannelMetadata updates every tracked row for meta.ChannelID.
func (s *Store) RefreshChannelMetadata(ctx context.Context, meta storage.ChannelMetadata) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tracked_channels
		SET title = $1, thumbnail_url = $2, subscriber_count = $3, video_count = $4
		WHERE channel_id = $5`,
		meta.Title, meta.ThumbnailURL, meta.SubscriberCount, meta.VideoCount, meta.ChannelID)
	if err != nil {
		return &storage.StorageError{Op: "update", Entity: "channel", ID: meta.ChannelID, Err: err}
	}
	return nil
}

// VideoFreshness returns stored video IDs with their last refresh time.
func (s *Store) VideoFreshness(ctx context.Context, channelID string) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT video_id, view_updated_at FROM crawled_videos WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id      string
			updated time.Time
		)
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
		}
		out[id] = updated
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	return out, nil
}

// ApplySync writes a sync's inserts and counter refreshes in one transaction.
func (s *Store) ApplySync(ctx context.Context, channelID string, inserts []*storage.CrawledVideo, updates []storage.VideoCounters) (*storage.SyncWrite, error) {
	result := &storage.SyncWrite{}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, v := range inserts {
			tag, err := tx.Exec(ctx, `INSERT INTO crawled_videos
				(channel_id, video_id, title, thumbnail_url, thumbnail_maxres, view_count, like_count,
				 comment_count, published_at, crawled_at, view_updated_at, is_new)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true)
				ON CONFLICT (channel_id, video_id) DO NOTHING`,
				channelID, v.VideoID, v.Title, v.ThumbnailURL, v.ThumbnailMaxres,
				v.ViewCount, v.LikeCount, v.CommentCount, v.PublishedAt, v.CrawledAt, v.ViewUpdatedAt)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				result.Inserted = append(result.Inserted, v.VideoID)
			}
		}

		if len(updates) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(`UPDATE crawled_videos
				SET view_count = $1, like_count = $2, comment_count = $3, view_updated_at = $4, is_new = false
				WHERE channel_id = $5 AND video_id = $6`,
				u.ViewCount, u.LikeCount, u.CommentCount, u.UpdatedAt, channelID, u.VideoID)
		}
		br := tx.SendBatch(ctx, batch)
		for range updates {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return err
			}
			if tag.RowsAffected() == 1 {
				result.Updated++
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, &storage.StorageError{Op: "sync", Entity: "video", ID: channelID, Err: err}
	}
	return result, nil
}

// ListVideos returns a channel's videos, newest first.
func (s *Store) ListVideos(ctx context.Context, channelID string) ([]*storage.CrawledVideo, error) {
	rows, err := s.pool.Query(ctx, `SELECT
		channel_id, video_id, title, thumbnail_url, thumbnail_maxres, view_count, like_count,
		comment_count, published_at, crawled_at, view_updated_at, is_new
		FROM crawled_videos WHERE channel_id = $1
		ORDER BY published_at DESC, video_id`, channelID)
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	defer rows.Close()

	var out []*storage.CrawledVideo
	for rows.Next() {
		var v storage.CrawledVideo
		if err := rows.Scan(&v.ChannelID, &v.VideoID, &v.Title, &v.ThumbnailURL, &v.ThumbnailMaxres,
			&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.PublishedAt, &v.CrawledAt,
			&v.ViewUpdatedAt, &v.IsNew); err != nil {
			return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "video", ID: channelID, Err: err}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ storage.Store = (*Store)(nil)
