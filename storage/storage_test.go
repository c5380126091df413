package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyriis/webofneeds/errors"
)

// storeUnderTest lets the same contract run against every implementation
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "cached":
		cached, err := NewCachedStore(NewMemoryStore(), 16)
		require.NoError(t, err)
		return cached
	default:
		t.Fatalf("unknown store %s", name)
		return nil
	}
}

func TestStoreContract(t *testing.T) {
	for _, name := range []string{"memory", "cached"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			ctx := context.Background()

			t.Run("load missing", func(t *testing.T) {
				_, err := s.Load(ctx, "missing")
				assert.ErrorIs(t, err, errors.ErrKeyNotFound)
			})

			t.Run("store and load", func(t *testing.T) {
				require.NoError(t, s.Store(ctx, "k1", []byte("v1")))
				got, err := s.Load(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), got)
			})

			t.Run("store overwrites", func(t *testing.T) {
				require.NoError(t, s.Store(ctx, "k1", []byte("v2")))
				got, err := s.Load(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), got)
			})

			t.Run("create is first insert only", func(t *testing.T) {
				require.NoError(t, s.Create(ctx, "k2", []byte("first")))
				err := s.Create(ctx, "k2", []byte("second"))
				assert.ErrorIs(t, err, errors.ErrKeyExists)

				got, err := s.Load(ctx, "k2")
				require.NoError(t, err)
				assert.Equal(t, []byte("first"), got)
			})

			t.Run("exists", func(t *testing.T) {
				ok, err := s.Exists(ctx, "k1")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.Exists(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, s.Delete(ctx, "k1"))
				_, err := s.Load(ctx, "k1")
				assert.ErrorIs(t, err, errors.ErrKeyNotFound)
			})
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, s.Store(ctx, "k", value))

	// Mutating the caller's slice must not leak into the store
	value[0] = 'X'
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating the loaded slice must not corrupt the stored value
	got[0] = 'Y'
	again, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestCachedStoreServesFromCache(t *testing.T) {
	backend := NewMemoryStore()
	cached, err := NewCachedStore(backend, 16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.Store(ctx, "k", []byte("v")))

	// Remove from the backend behind the cache's back; the cached read
	// still answers
	require.NoError(t, backend.Delete(ctx, "k"))
	got, err := cached.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestCachedStoreInvalidatesOnDelete(t *testing.T) {
	cached, err := NewCachedStore(NewMemoryStore(), 16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.Store(ctx, "k", []byte("v")))
	require.NoError(t, cached.Delete(ctx, "k"))

	_, err = cached.Load(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}
