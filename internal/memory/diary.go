// Package memory implements the diary collaborator: a small sqlite-backed
// store of remembered facts with keyword search, exposed to the model as
// tools.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one remembered item.
type Entry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Tags      string    `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Diary is the persistent memory store.
type Diary struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at);
`

// OpenDiary opens or creates the diary database at path. Use ":memory:"
// for an ephemeral store in tests.
func OpenDiary(path string, logger *slog.Logger) (*Diary, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}

	return &Diary{db: db, logger: logger.With("component", "memory")}, nil
}

// Close releases the database handle.
func (d *Diary) Close() error {
	return d.db.Close()
}

// Add stores a new entry.
func (d *Diary) Add(ctx context.Context, content string, tags []string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("memory: empty content")
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO entries (content, tags, created_at) VALUES (?, ?, ?)`,
		content, strings.Join(tags, ","), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("memory: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory: last insert id: %w", err)
	}
	d.logger.Debug("stored memory entry", "id", id)
	return id, nil
}

// Search returns entries whose content or tags contain keyword, newest
// first. limit <= 0 defaults to 10.
func (d *Diary) Search(ctx context.Context, keyword string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + keyword + "%"

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, content, tags, created_at FROM entries
		 WHERE content LIKE ? OR tags LIKE ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Content, &e.Tags, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
