package connection

import (
	"encoding/json"
	"fmt"
	"time"
)

// AtomState is the lifecycle state of an atom
type AtomState string

// Atom lifecycle states. Atoms are never physically deleted while
// connections reference them; deactivation is the soft delete.
const (
	AtomActive   AtomState = "ACTIVE"
	AtomInactive AtomState = "INACTIVE"
)

// Atom is a registered participant capable of holding connections
type Atom struct {
	ID        string    `json:"id"`
	State     AtomState `json:"state"`
	OwnerApps []string  `json:"owner_apps,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAtom creates an active atom owned by the given owner application
func NewAtom(id, ownerApp string) *Atom {
	a := &Atom{
		ID:        id,
		State:     AtomActive,
		CreatedAt: time.Now().UTC(),
	}
	if ownerApp != "" {
		a.OwnerApps = []string{ownerApp}
	}
	return a
}

// Active reports whether the atom accepts new activity
func (a *Atom) Active() bool {
	return a.State == AtomActive
}

// AuthorizeOwnerApp registers an owner application for this atom. Multiple
// applications may be authorized; each receives outbound copies.
func (a *Atom) AuthorizeOwnerApp(appID string) {
	for _, id := range a.OwnerApps {
		if id == appID {
			return
		}
	}
	a.OwnerApps = append(a.OwnerApps, appID)
}

// Encode serializes the atom for storage
func (a *Atom) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAtom deserializes an atom from its storage form
func DecodeAtom(data []byte) (*Atom, error) {
	var a Atom
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode atom: %w", err)
	}
	return &a, nil
}
