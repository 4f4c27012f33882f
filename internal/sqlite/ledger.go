// Package sqlite implements the state ledger on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// DefaultCooldown is how long a hard-blocked creator is skipped.
const DefaultCooldown = time.Hour

var _ domain.Ledger = (*Ledger)(nil)

// Ledger implements domain.Ledger. Writes are serialized through a single
// connection so each call is its own transaction.
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time

	cooldown time.Duration
	mu       sync.Mutex
	blocked  map[string]time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(l *Ledger) { l.cooldown = d }
}

// Open opens or creates the database at path and migrates its schema. The
// caller should call Close when the ledger is no longer needed.
func Open(ctx context.Context, path string, logger logging.Logger, opts ...Option) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	l := &Ledger{
		db:       db,
		logger:   logger,
		now:      time.Now,
		cooldown: DefaultCooldown,
		blocked:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsProcessed implements domain.Ledger.
func (l *Ledger) IsProcessed(ctx context.Context, postID string) (bool, error) {
	var uploadedAt sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT uploaded_at FROM posts WHERE post_id = ?`, postID,
	).Scan(&uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query post %s: %w", postID, err)
	}
	return uploadedAt.Valid, nil
}

// RecordDownload implements domain.Ledger. A repeat call refreshes
// downloaded_at and the effective kind and URL.
func (l *Ledger) RecordDownload(ctx context.Context, post domain.Post) error {
	var createdAt sql.NullInt64
	if post.CreatedAt != nil {
		createdAt = sql.NullInt64{Int64: *post.CreatedAt, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO posts (post_id, creator, kind, source_url, created_at, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (post_id) DO UPDATE SET
			kind = excluded.kind,
			source_url = excluded.source_url,
			downloaded_at = excluded.downloaded_at`,
		post.ID,
		post.Creator,
		string(post.Kind),
		post.URL,
		createdAt,
		l.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record download %s: %w", post.ID, err)
	}
	return nil
}

// RecordDownloadFiles implements domain.Ledger.
func (l *Ledger) RecordDownloadFiles(ctx context.Context, postID string, media domain.Media) error {
	data, err := domain.MarshalMedia(media)
	if err != nil {
		return fmt.Errorf("record files %s: %w", postID, err)
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE posts SET downloaded_files = ? WHERE post_id = ?`,
		string(data), postID,
	)
	if err != nil {
		return fmt.Errorf("record files %s: %w", postID, err)
	}
	return expectRow(res, postID)
}

// MarkUploaded implements domain.Ledger.
func (l *Ledger) MarkUploaded(ctx context.Context, postID, channelID, messageID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE posts SET
			uploaded_at = ?,
			delivery_channel_id = ?,
			delivery_message_id = ?
		WHERE post_id = ?`,
		l.now().Unix(), channelID, messageID, postID,
	)
	if err != nil {
		return fmt.Errorf("mark uploaded %s: %w", postID, err)
	}
	return expectRow(res, postID)
}

// GetIncomplete implements domain.Ledger. Rows whose recorded files cannot
// be decoded are logged and left out.
func (l *Ledger) GetIncomplete(ctx context.Context, creator string) ([]domain.Record, error) {
	query := `
		SELECT post_id, creator, kind, source_url, created_at, downloaded_at, downloaded_files
		FROM posts
		WHERE downloaded_at IS NOT NULL
			AND uploaded_at IS NULL
			AND downloaded_files IS NOT NULL`
	args := []any{}
	if creator != "" {
		query += ` AND creator = ?`
		args = append(args, creator)
	}
	query += ` ORDER BY downloaded_at ASC, post_id ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incomplete posts: %w", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var (
			r            domain.Record
			kind         string
			createdAt    sql.NullInt64
			downloadedAt sql.NullInt64
			files        string
		)
		if err := rows.Scan(&r.PostID, &r.Creator, &kind, &r.SourceURL, &createdAt, &downloadedAt, &files); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		r.Kind = domain.Kind(kind)
		if createdAt.Valid {
			v := createdAt.Int64
			r.CreatedAt = &v
		}
		if downloadedAt.Valid {
			t := time.Unix(downloadedAt.Int64, 0).UTC()
			r.DownloadedAt = &t
		}

		media, err := domain.UnmarshalMedia([]byte(files))
		if err != nil {
			l.logger.WithError(err).WithField("post_id", r.PostID).Warn("skipping record with unreadable files")
			continue
		}
		r.Media = media
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomplete posts: %w", err)
	}
	return records, nil
}

// GetDownloadedFiles returns the media recorded for a post, nil when none is.
func (l *Ledger) GetDownloadedFiles(ctx context.Context, postID string) (domain.Media, error) {
	var files sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT downloaded_files FROM posts WHERE post_id = ?`, postID,
	).Scan(&files)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !files.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query files %s: %w", postID, err)
	}
	return domain.UnmarshalMedia([]byte(files.String))
}

func expectRow(res sql.Result, postID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("post %s is not recorded", postID)
	}
	return nil
}
