// Package ledger maps message identifiers to their stored message, the
// response produced for them and the recipients already notified. It is
// consulted before processing to make redelivery a no-op and to correlate
// messages with their acknowledgments.
//
// Concurrency contract: operations on the same identifier are linearizable
// (striped per-identifier locks plus a first-insert CAS in storage);
// operations on different identifiers proceed concurrently. An entry is
// never mutated after its response is attached, except to append
// notified-recipient records.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/pkg/keylock"
	"github.com/tyriis/webofneeds/storage"
)

// Entry is one ledger record keyed by message identifier
type Entry struct {
	Message  *message.Message `json:"message"`
	Response *message.Message `json:"response,omitempty"`
	Notified []string         `json:"notified,omitempty"`
}

// Ledger is the idempotency and correlation ledger
type Ledger struct {
	blobs storage.Store
	locks *keylock.KeyLock
}

// New creates a ledger on top of blob storage
func New(blobs storage.Store) *Ledger {
	return &Ledger{
		blobs: blobs,
		locks: keylock.New(64),
	}
}

func entryKey(id string) string { return "ledger/" + id }

// RecordMessage stores the first sighting of a message identifier. Returns
// errors.ErrKeyExists when the identifier was recorded before; the caller
// then consults Lookup for the stored response.
func (l *Ledger) RecordMessage(ctx context.Context, msg *message.Message) error {
	unlock := l.locks.Lock(msg.ID)
	defer unlock()

	blob, err := json.Marshal(Entry{Message: msg})
	if err != nil {
		return errors.WrapInvalid(err, "Ledger", "RecordMessage", "encode entry")
	}
	if err := l.blobs.Create(ctx, entryKey(msg.ID), blob); err != nil {
		if err == errors.ErrKeyExists {
			return err
		}
		return errors.WrapTransient(err, "Ledger", "RecordMessage", "create entry")
	}
	return nil
}

// RecordResponse attaches the response produced for a message. Attaching a
// second response to the same identifier is rejected.
func (l *Ledger) RecordResponse(ctx context.Context, id string, response *message.Message) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	entry, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if entry.Response != nil {
		return fmt.Errorf("ledger entry %s already has a response", id)
	}
	entry.Response = response
	return l.save(ctx, id, entry)
}

// Lookup returns the ledger entry for a message identifier, or nil when the
// identifier has not been seen
func (l *Ledger) Lookup(ctx context.Context, id string) (*Entry, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	entry, err := l.load(ctx, id)
	if err != nil {
		if err == errors.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// MarkNotified appends a recipient to the notified set of an entry
func (l *Ledger) MarkNotified(ctx context.Context, id, recipient string) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	entry, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range entry.Notified {
		if r == recipient {
			return nil
		}
	}
	entry.Notified = append(entry.Notified, recipient)
	return l.save(ctx, id, entry)
}

// WasNotified reports whether a recipient already received this message
func (l *Ledger) WasNotified(ctx context.Context, id, recipient string) (bool, error) {
	entry, err := l.Lookup(ctx, id)
	if err != nil || entry == nil {
		return false, err
	}
	for _, r := range entry.Notified {
		if r == recipient {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) load(ctx context.Context, id string) (*Entry, error) {
	blob, err := l.blobs.Load(ctx, entryKey(id))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry %s: %w", id, err)
	}
	return &entry, nil
}

func (l *Ledger) save(ctx context.Context, id string, entry *Entry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "Ledger", "save", "encode entry")
	}
	if err := l.blobs.Store(ctx, entryKey(id), blob); err != nil {
		return errors.WrapTransient(err, "Ledger", "save", "store entry")
	}
	return nil
}
