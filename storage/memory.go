package storage

import (
	"context"
	"sync"

	"github.com/tyriis/webofneeds/errors"
)

// MemoryStore is an in-memory Store for tests and single-process runs
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Store writes a blob under the key, overwriting any previous value
func (s *MemoryStore) Store(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = clone(blob)
	return nil
}

// Create writes a blob only if the key does not exist yet
func (s *MemoryStore) Create(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[key]; exists {
		return errors.ErrKeyExists
	}
	s.blobs[key] = clone(blob)
	return nil
}

// Load reads the blob stored under the key
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, exists := s.blobs[key]
	if !exists {
		return nil, errors.ErrKeyNotFound
	}
	return clone(blob), nil
}

// Exists reports whether the key is present
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.blobs[key]
	return exists, nil
}

// Delete removes the key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Len returns the number of stored blobs
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	dup := make([]byte, len(b))
	copy(dup, b)
	return dup
}
