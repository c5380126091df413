package natsclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tyriis/webofneeds/errors"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout      time.Duration // Per-operation timeout
	MaxValueSize int           // Maximum size for values
}

// DefaultKVOptions returns sensible defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// KVStore provides KV operations with built-in CAS support
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// EnsureKVBucket creates the bucket if it does not exist and returns a KVStore
func (c *Client) EnsureKVBucket(ctx context.Context, name string, opts ...func(*KVOptions)) (*KVStore, error) {
	js := c.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "EnsureKVBucket",
			fmt.Sprintf("create bucket %s", name))
	}

	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}, nil
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision for CAS operations
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, sanitizeKey(key))
	if err != nil {
		if isKVNotFound(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, sanitizeKey(key), value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create inserts a key only if it does not exist yet. Returns ErrKeyExists
// when another writer got there first; this is the first-insert CAS that
// makes ledger recording idempotent under races.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, sanitizeKey(key), value)
	if err != nil {
		if isKVExists(err) {
			return 0, errors.ErrKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update writes a key only if the given revision is still current. Returns
// ErrRevisionMismatch when the entry changed underneath the caller.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, sanitizeKey(key), value, revision)
	if err != nil {
		if isKVWrongRevision(err) {
			return 0, errors.ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, sanitizeKey(key)); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a key is present
func (kv *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := kv.Get(ctx, key)
	if err != nil {
		if err == errors.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return fmt.Errorf("kv value size %d exceeds limit %d", len(value), kv.options.MaxValueSize)
	}
	return nil
}

// sanitizeKey maps URI-like identifiers onto the KV key character set.
// NATS KV keys cannot contain '/' or ':'.
func sanitizeKey(key string) string {
	r := strings.NewReplacer("/", ".", ":", "_")
	return r.Replace(key)
}

func isKVNotFound(err error) bool {
	return err == jetstream.ErrKeyNotFound ||
		strings.Contains(err.Error(), "key not found")
}

func isKVExists(err error) bool {
	return err == jetstream.ErrKeyExists ||
		strings.Contains(err.Error(), "key exists") ||
		strings.Contains(err.Error(), "wrong last sequence")
}

func isKVWrongRevision(err error) bool {
	return strings.Contains(err.Error(), "wrong last sequence")
}
