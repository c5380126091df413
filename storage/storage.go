// Package storage provides the keyed blob storage collaborator used for
// messages, connections and atoms, plus the implementations the node ships
// with: a NATS JetStream KV backend for durable deployments, an in-memory
// backend for tests and local runs, and a read-through LRU cache wrapper.
//
// The processing core requires nothing beyond keyed blob storage. Typed
// repositories (connection store, ledger) layer their own key schemes on top.
//
// Thread safety: all Store implementations must be safe for concurrent use
// from multiple goroutines.
package storage

import "context"

// Store is the keyed blob storage collaborator
type Store interface {
	// Store writes a blob under the key, overwriting any previous value
	Store(ctx context.Context, key string, blob []byte) error

	// Create writes a blob only if the key does not exist yet.
	// Returns errors.ErrKeyExists when another writer was first.
	Create(ctx context.Context, key string, blob []byte) error

	// Load reads the blob stored under the key.
	// Returns errors.ErrKeyNotFound when absent.
	Load(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
