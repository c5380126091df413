package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/pkg/keylock"
	"github.com/tyriis/webofneeds/storage"
)

// Store persists connections and atoms in the blob storage collaborator and
// serializes updates per connection. Locking discipline: callers acquire the
// per-connection lock via Lock before resolving the connection for update and
// hold it through commit; messages targeting the same connection are thereby
// serialized while different connections proceed concurrently.
type Store struct {
	blobs storage.Store

	// Separate stripe sets so holding a connection lock while taking the
	// atom lock for the index update cannot land on the same mutex.
	// Lock order is connection first, atom second.
	connLocks *keylock.KeyLock
	atomLocks *keylock.KeyLock
}

// NewStore creates a connection store on top of blob storage
func NewStore(blobs storage.Store) *Store {
	return &Store{
		blobs:     blobs,
		connLocks: keylock.New(64),
		atomLocks: keylock.New(64),
	}
}

func connectionKey(id string) string { return "connection/" + id }
func atomKey(id string) string       { return "atom/" + id }
func atomConnsKey(id string) string  { return "atomconns/" + id }

// Lock acquires the update lock for a connection and returns the unlock
// function
func (s *Store) Lock(connectionID string) func() {
	return s.connLocks.Lock(connectionID)
}

// LockAtom acquires the update lock for an atom record
func (s *Store) LockAtom(atomID string) func() {
	return s.atomLocks.Lock(atomID)
}

// SaveConnection persists a connection record
func (s *Store) SaveConnection(ctx context.Context, c *Connection) error {
	blob, err := c.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "connection.Store", "SaveConnection", "encode connection")
	}
	if err := s.blobs.Store(ctx, connectionKey(c.ID), blob); err != nil {
		return errors.WrapTransient(err, "connection.Store", "SaveConnection", "store connection")
	}
	return nil
}

// CreateConnection persists a new connection and adds it to its atom's index
func (s *Store) CreateConnection(ctx context.Context, c *Connection) error {
	blob, err := c.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "connection.Store", "CreateConnection", "encode connection")
	}
	if err := s.blobs.Create(ctx, connectionKey(c.ID), blob); err != nil {
		if err == errors.ErrKeyExists {
			return err
		}
		return errors.WrapTransient(err, "connection.Store", "CreateConnection", "create connection")
	}
	if err := s.indexConnection(ctx, c.AtomID, c.ID); err != nil {
		return err
	}
	return nil
}

// RestoreConnection re-persists a connection whose creation was interrupted
// partway: the record is overwritten and the atom index repaired. Caller
// holds the connection lock.
func (s *Store) RestoreConnection(ctx context.Context, c *Connection) error {
	if err := s.SaveConnection(ctx, c); err != nil {
		return err
	}
	return s.indexConnection(ctx, c.AtomID, c.ID)
}

// LoadConnection reads a connection record. Returns errors.ErrKeyNotFound
// when the connection is unknown.
func (s *Store) LoadConnection(ctx context.Context, id string) (*Connection, error) {
	blob, err := s.blobs.Load(ctx, connectionKey(id))
	if err != nil {
		return nil, err
	}
	return DecodeConnection(blob)
}

// ConnectionExists reports whether a connection is known
func (s *Store) ConnectionExists(ctx context.Context, id string) (bool, error) {
	return s.blobs.Exists(ctx, connectionKey(id))
}

// SaveAtom persists an atom record
func (s *Store) SaveAtom(ctx context.Context, a *Atom) error {
	blob, err := a.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "connection.Store", "SaveAtom", "encode atom")
	}
	if err := s.blobs.Store(ctx, atomKey(a.ID), blob); err != nil {
		return errors.WrapTransient(err, "connection.Store", "SaveAtom", "store atom")
	}
	return nil
}

// CreateAtom persists a new atom, failing if the identifier is taken
func (s *Store) CreateAtom(ctx context.Context, a *Atom) error {
	blob, err := a.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "connection.Store", "CreateAtom", "encode atom")
	}
	if err := s.blobs.Create(ctx, atomKey(a.ID), blob); err != nil {
		if err == errors.ErrKeyExists {
			return err
		}
		return errors.WrapTransient(err, "connection.Store", "CreateAtom", "create atom")
	}
	return nil
}

// LoadAtom reads an atom record. Returns errors.ErrKeyNotFound when unknown.
func (s *Store) LoadAtom(ctx context.Context, id string) (*Atom, error) {
	blob, err := s.blobs.Load(ctx, atomKey(id))
	if err != nil {
		return nil, err
	}
	return DecodeAtom(blob)
}

// AtomExists reports whether an atom is registered with this node
func (s *Store) AtomExists(ctx context.Context, id string) (bool, error) {
	return s.blobs.Exists(ctx, atomKey(id))
}

// ConnectionsOfAtom returns the identifiers of all connections created for
// an atom
func (s *Store) ConnectionsOfAtom(ctx context.Context, atomID string) ([]string, error) {
	blob, err := s.blobs.Load(ctx, atomConnsKey(atomID))
	if err != nil {
		if err == errors.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(blob, &ids); err != nil {
		return nil, fmt.Errorf("decode connection index for %s: %w", atomID, err)
	}
	return ids, nil
}

// indexConnection appends a connection to its atom's index. Caller holds the
// connection lock; the index itself is guarded by the atom lock.
func (s *Store) indexConnection(ctx context.Context, atomID, connectionID string) error {
	unlock := s.LockAtom(atomID)
	defer unlock()

	ids, err := s.ConnectionsOfAtom(ctx, atomID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == connectionID {
			return nil
		}
	}
	ids = append(ids, connectionID)

	blob, err := json.Marshal(ids)
	if err != nil {
		return errors.WrapInvalid(err, "connection.Store", "indexConnection", "encode index")
	}
	if err := s.blobs.Store(ctx, atomConnsKey(atomID), blob); err != nil {
		return errors.WrapTransient(err, "connection.Store", "indexConnection", "store index")
	}
	return nil
}
