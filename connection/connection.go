package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Connection represents this node's endpoint of a bilateral relationship
// between two atoms. Remote identifiers, once set, are immutable.
type Connection struct {
	ID               string    `json:"id"`
	AtomID           string    `json:"atom_id"`
	RemoteAtomID     string    `json:"remote_atom_id,omitempty"`
	RemoteConnection string    `json:"remote_connection,omitempty"`
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
}

// MintID returns a new URI-like connection identifier under the node URI
func MintID(nodeURI string) string {
	return fmt.Sprintf("%s/connection/%s", nodeURI, uuid.New().String())
}

// New creates a connection in the given initial state
func New(nodeURI, atomID, remoteAtomID string, initial State) *Connection {
	return &Connection{
		ID:           MintID(nodeURI),
		AtomID:       atomID,
		RemoteAtomID: remoteAtomID,
		State:        initial,
		CreatedAt:    time.Now().UTC(),
	}
}

// SetRemote records the remote endpoint identifiers. Once set they cannot
// change; conflicting values are rejected.
func (c *Connection) SetRemote(remoteAtomID, remoteConnection string) error {
	if c.RemoteAtomID != "" && remoteAtomID != "" && c.RemoteAtomID != remoteAtomID {
		return fmt.Errorf("connection %s: remote atom already set to %s", c.ID, c.RemoteAtomID)
	}
	if c.RemoteConnection != "" && remoteConnection != "" && c.RemoteConnection != remoteConnection {
		return fmt.Errorf("connection %s: remote connection already set to %s", c.ID, c.RemoteConnection)
	}
	if c.RemoteAtomID == "" {
		c.RemoteAtomID = remoteAtomID
	}
	if c.RemoteConnection == "" {
		c.RemoteConnection = remoteConnection
	}
	return nil
}

// Clone returns a copy of the connection
func (c *Connection) Clone() *Connection {
	dup := *c
	return &dup
}

// Encode serializes the connection for storage
func (c *Connection) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeConnection deserializes a connection from its storage form
func DecodeConnection(data []byte) (*Connection, error) {
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode connection: %w", err)
	}
	return &c, nil
}
