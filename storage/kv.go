package storage

import (
	"context"

	"github.com/tyriis/webofneeds/natsclient"
)

// KVStore backs the Store interface with a NATS JetStream KV bucket
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps a KV bucket as a blob Store
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Store writes a blob under the key, overwriting any previous value
func (s *KVStore) Store(ctx context.Context, key string, blob []byte) error {
	_, err := s.kv.Put(ctx, key, blob)
	return err
}

// Create writes a blob only if the key does not exist yet
func (s *KVStore) Create(ctx context.Context, key string, blob []byte) error {
	_, err := s.kv.Create(ctx, key, blob)
	return err
}

// Load reads the blob stored under the key
func (s *KVStore) Load(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// Exists reports whether the key is present
func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.kv.Exists(ctx, key)
}

// Delete removes the key
func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}
