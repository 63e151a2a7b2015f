package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteStore persists entries in the cache_entries table so the cache survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.InitTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitTable creates the cache_entries table if it doesn't exist
func (s *SQLiteStore) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		body BLOB NOT NULL,
		created_time DATETIME
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT content_type, body FROM cache_entries WHERE key = ?`
	var entry Entry
	err := s.db.QueryRowContext(ctx, query, key).Scan(&entry.ContentType, &entry.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, entry *Entry) error {
	query := `
	INSERT INTO cache_entries (key, content_type, body, created_time) VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		content_type = excluded.content_type,
		body = excluded.body,
		created_time = excluded.created_time
	`
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, query, key, entry.ContentType, body, time.Now())
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Count returns the number of cached entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, err
}
