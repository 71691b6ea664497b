package docstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_owner_created ON notes(owner_id, created_at DESC);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	feed   *feed
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithClock overrides the clock used for note timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) { s.now = now }
}

// WithIDs overrides note id generation.
func WithIDs(newID func() string) Option {
	return func(s *SQLite) { s.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLite) { s.logger = l }
}

// Open opens (or creates) the database at path, applies the schema and starts
// the change feed.
func Open(path string, opts ...Option) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("docstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: apply schema: %w", err)
	}

	s := &SQLite{
		conn:   conn,
		path:   path,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.feed = newFeed(s.snapshot, s.logger)
	return s, nil
}

// Close stops the feed, ending every open subscription, and closes the
// database.
func (s *SQLite) Close() error {
	s.feed.close()
	return s.conn.Close()
}
