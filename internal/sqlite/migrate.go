package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const createPosts = `
	CREATE TABLE IF NOT EXISTS posts (
		post_id             TEXT PRIMARY KEY,
		creator             TEXT NOT NULL,
		kind                TEXT NOT NULL,
		source_url          TEXT NOT NULL,
		created_at          INTEGER,
		downloaded_at       INTEGER,
		uploaded_at         INTEGER,
		delivery_channel_id TEXT,
		delivery_message_id TEXT,
		downloaded_files    TEXT
	)`

const createIndex = `CREATE INDEX IF NOT EXISTS idx_posts_creator_uploaded ON posts(creator, uploaded_at)`

// addedColumns are columns introduced after the first schema, in order.
var addedColumns = []struct {
	name string
	ddl  string
}{
	{"delivery_channel_id", "TEXT"},
	{"delivery_message_id", "TEXT"},
	{"downloaded_files", "TEXT"},
}

// legacyColumns maps columns of older databases onto their replacements.
var legacyColumns = map[string]string{
	"telegram_chat_id":    "delivery_channel_id",
	"telegram_message_id": "delivery_message_id",
}

// migrate creates the schema or brings an older one up to date. It only
// ever adds columns and may run any number of times.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createPosts); err != nil {
		return fmt.Errorf("create posts table: %w", err)
	}

	existing, err := columns(ctx, db, "posts")
	if err != nil {
		return err
	}

	for _, col := range addedColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE posts ADD COLUMN %s %s", col.name, col.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		existing[col.name] = true
	}

	for legacy, current := range legacyColumns {
		if !existing[legacy] {
			continue
		}
		stmt := fmt.Sprintf("UPDATE posts SET %[1]s = %[2]s WHERE %[1]s IS NULL AND %[2]s IS NOT NULL", current, legacy)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("copy %s into %s: %w", legacy, current, err)
		}
	}

	if _, err := db.ExecContext(ctx, createIndex); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func columns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}
	return cols, nil
}
