package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore wraps a Store with a read-through LRU cache. Message and
// connection records are read far more often than written (duplicate checks,
// correlation lookups), so a bounded cache in front of the KV backend cuts
// most round trips.
//
// Writes go through to the backend first; the cache is only updated after
// the backend accepted the write, so a failed commit never leaves a stale
// cache entry behind.
type CachedStore struct {
	backend Store
	cache   *lru.Cache[string, []byte]
}

// NewCachedStore wraps the backend with an LRU cache of the given size
func NewCachedStore(backend Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

// Store writes a blob and refreshes the cache entry
func (s *CachedStore) Store(ctx context.Context, key string, blob []byte) error {
	if err := s.backend.Store(ctx, key, blob); err != nil {
		return err
	}
	s.cache.Add(key, clone(blob))
	return nil
}

// Create writes a blob only if the key does not exist yet
func (s *CachedStore) Create(ctx context.Context, key string, blob []byte) error {
	if err := s.backend.Create(ctx, key, blob); err != nil {
		return err
	}
	s.cache.Add(key, clone(blob))
	return nil
}

// Load reads the blob, serving from cache when possible
func (s *CachedStore) Load(ctx context.Context, key string) ([]byte, error) {
	if blob, ok := s.cache.Get(key); ok {
		return clone(blob), nil
	}
	blob, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, clone(blob))
	return blob, nil
}

// Exists reports whether the key is present
func (s *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}
	return s.backend.Exists(ctx, key)
}

// Delete removes the key from backend and cache
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	s.cache.Remove(key)
	return nil
}
