// Package message defines the protocol message model of the WoN node.
//
// A Message is the fundamental unit exchanged between owner applications,
// peer nodes and matchers. Messages are immutable once created: every
// mutation produces a new message with its own identifier. The type
// enumeration is closed; each type declares its legal directions and
// behavior flags which drive classification, the connection state machine
// and the routing slip.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Flags carries per-message processing suppressions. They prevent echo
// loops when the node reacts to its own generated messages and let a
// sender restrict fan-out.
type Flags struct {
	SuppressReaction       bool `json:"suppress_reaction,omitempty"`
	SuppressForwardToOwner bool `json:"suppress_forward_to_owner,omitempty"`
	SuppressForwardToPeer  bool `json:"suppress_forward_to_peer,omitempty"`
	IgnoreHint             bool `json:"ignore_hint,omitempty"`
}

// Message is the wire and storage representation of one protocol message.
// Treat as immutable after construction.
type Message struct {
	ID                 string          `json:"id"`
	Type               Type            `json:"type"`
	Direction          Direction       `json:"direction"`
	SenderID           string          `json:"sender_id"`
	SenderConnection   string          `json:"sender_connection,omitempty"`
	ReceiverID         string          `json:"receiver_id"`
	ReceiverConnection string          `json:"receiver_connection,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Flags              Flags           `json:"flags,omitempty"`
}

// Option is a functional option for message construction
type Option func(*Message)

// WithPayload sets the opaque content blob
func WithPayload(payload json.RawMessage) Option {
	return func(m *Message) { m.Payload = payload }
}

// WithConnections sets sender and receiver connection identifiers
func WithConnections(senderConn, receiverConn string) Option {
	return func(m *Message) {
		m.SenderConnection = senderConn
		m.ReceiverConnection = receiverConn
	}
}

// WithCorrelation sets the identifier of the message being responded to
func WithCorrelation(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithFlags sets processing suppression flags
func WithFlags(flags Flags) Option {
	return func(m *Message) { m.Flags = flags }
}

// WithTimestamp sets a specific creation time instead of time.Now().
// Useful for historical data import or testing.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) { m.Timestamp = ts }
}

// WithID sets an explicit message identifier instead of minting one
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// New creates a message with a minted identifier. The nodeURI becomes the
// identifier prefix so message identifiers remain globally unique and
// attributable to the minting node.
func New(nodeURI string, t Type, d Direction, sender, receiver string, opts ...Option) *Message {
	m := &Message{
		ID:         MintID(nodeURI),
		Type:       t,
		Direction:  d,
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MintID returns a new URI-like message identifier under the given node URI
func MintID(nodeURI string) string {
	return fmt.Sprintf("%s/msg/%s", nodeURI, uuid.New().String())
}

// Validate performs the structural well-formedness check: required fields
// for the declared type must be present and the direction must be legal.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message has no identifier")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !m.Direction.IsValid() {
		return fmt.Errorf("unknown direction %q", m.Direction)
	}
	if !m.Type.DirectionAllowed(m.Direction) {
		return fmt.Errorf("direction %s not allowed for type %s", m.Direction, m.Type)
	}
	if m.SenderID == "" {
		return fmt.Errorf("message has no sender")
	}
	if m.ReceiverID == "" {
		return fmt.Errorf("message has no receiver")
	}
	if m.Type.IsResponse() && m.CorrelationID == "" {
		return fmt.Errorf("response message has no correlation identifier")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message has no timestamp")
	}
	return nil
}

// LocalConnectionID returns the identifier of the connection on this node
// that the message targets, resolved by direction: the owner addresses its
// local connection as sender, a remote node addresses it as receiver.
func (m *Message) LocalConnectionID() string {
	switch m.Direction {
	case FromOwner, FromSystem:
		return m.SenderConnection
	default:
		return m.ReceiverConnection
	}
}

// RemoteCopy builds the outbound copy of this message for delivery to the
// remote node. The copy gets its own identifier; its correlation points at
// the local original so both sides can relate the two events.
func (m *Message) RemoteCopy(id string) *Message {
	dup := *m
	dup.ID = id
	dup.CorrelationID = m.ID
	dup.Flags = Flags{}
	return &dup
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	dup := *m
	if m.Payload != nil {
		dup.Payload = make(json.RawMessage, len(m.Payload))
		copy(dup.Payload, m.Payload)
	}
	return &dup
}

// Encode serializes the message for transport or storage
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a message from its wire or storage form
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
