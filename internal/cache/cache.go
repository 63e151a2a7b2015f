package cache

import (
	"context"
	"errors"
	"net/url"
)

var (
	// ErrMiss is returned by Get when no entry exists for the key.
	ErrMiss = errors.New("cache miss")
	// ErrNotStored is returned by Put when the store declined the entry.
	ErrNotStored = errors.New("entry not stored")
)

// Entry is a cached origin response body together with the content type it was served with.
type Entry struct {
	ContentType string
	Body        []byte
}

// Store is a byte-blob key/value store keyed by canonical origin URLs.
// Implementations must be safe for concurrent use; Put on an existing key replaces it.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry *Entry) error
	Clear(ctx context.Context) error
}

// Key returns the canonical cache key for an origin URL: credentials and fragment are dropped.
func Key(u *url.URL) string {
	clone := *u
	clone.User = nil
	clone.Fragment = ""
	clone.RawFragment = ""
	return clone.String()
}
