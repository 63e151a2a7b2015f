package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// MemoryStore keeps entries in a ristretto cache bounded by total body bytes.
type MemoryStore struct {
	cache *ristretto.Cache
}

func NewMemoryStore(maxBytes int64) (*MemoryStore, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid max bytes %d", maxBytes)
	}
	// Roughly ten counters per expected item, assuming ~64KiB segments.
	counters := maxBytes / (64 << 10) * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init cache: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	raw, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	entry, ok := raw.(*Entry)
	if !ok {
		return nil, ErrMiss
	}
	return entry, nil
}

// Put stores entry and waits until the write is visible to Get.
func (s *MemoryStore) Put(_ context.Context, key string, entry *Entry) error {
	cost := int64(len(entry.Body))
	if cost == 0 {
		cost = 1
	}
	if !s.cache.Set(key, entry, cost) {
		return ErrNotStored
	}
	s.cache.Wait()
	if _, ok := s.cache.Get(key); !ok {
		// rejected by the admission policy
		return ErrNotStored
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.cache.Clear()
	return nil
}

func (s *MemoryStore) Close() {
	s.cache.Close()
}
