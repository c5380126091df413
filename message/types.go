package message

import "fmt"

// Direction tags a message with the participant class it arrived from.
// The direction, together with the message type, decides which processing
// flow applies and which transitions are legal.
type Direction string

// Recognized directions
const (
	// FromOwner marks messages sent by an owner application on behalf of a local atom
	FromOwner Direction = "from-owner"
	// FromPeer marks messages sent by the node hosting the remote side of a connection
	FromPeer Direction = "from-peer"
	// FromMatcher marks hint messages proposed by a matcher service
	FromMatcher Direction = "from-matcher"
	// FromSystem marks messages the node generates itself (reactions, cascades)
	FromSystem Direction = "from-system"
	// FromExternal marks messages relayed by a remote node on behalf of a peer.
	// Treated like FromPeer by the state machine.
	FromExternal Direction = "from-external"
)

// IsValid reports whether d is a recognized direction
func (d Direction) IsValid() bool {
	switch d {
	case FromOwner, FromPeer, FromMatcher, FromSystem, FromExternal:
		return true
	}
	return false
}

// Remote reports whether the direction originates outside this node's owner side
func (d Direction) Remote() bool {
	return d == FromPeer || d == FromExternal || d == FromMatcher
}

// Type identifies the protocol message type. The enumeration is closed:
// every recognized type appears below together with its behavior profile.
type Type string

// Recognized message types
const (
	// TypeCreateAtom registers a new atom with this node
	TypeCreateAtom Type = "create-atom"
	// TypeActivateAtom re-activates a deactivated atom
	TypeActivateAtom Type = "activate-atom"
	// TypeDeactivateAtom deactivates an atom and closes its connections
	TypeDeactivateAtom Type = "deactivate-atom"
	// TypeConnect requests or accepts opening a connection
	TypeConnect Type = "connect"
	// TypeClose closes or rejects a connection
	TypeClose Type = "close"
	// TypeConnectionMessage is a conversational message on an established connection
	TypeConnectionMessage Type = "connection-message"
	// TypeHint proposes a new connection, produced by a matcher
	TypeHint Type = "hint"
	// TypeSuccessResponse acknowledges successful processing of another message
	TypeSuccessResponse Type = "success-response"
	// TypeFailureResponse reports failed processing of another message
	TypeFailureResponse Type = "failure-response"
)

// behavior describes the static properties of a message type
type behavior struct {
	legalDirections       []Direction
	targetsConnection     bool // references an existing connection
	allowsCreation        bool // may create the referenced connection
	causesOutgoingMessage bool // must produce a copy for the remote side
	isResponse            bool // carries a correlation identifier
}

var behaviors = map[Type]behavior{
	TypeCreateAtom: {
		legalDirections: []Direction{FromOwner, FromSystem},
	},
	TypeActivateAtom: {
		legalDirections: []Direction{FromOwner, FromSystem},
	},
	TypeDeactivateAtom: {
		legalDirections: []Direction{FromOwner, FromSystem},
	},
	TypeConnect: {
		legalDirections:       []Direction{FromOwner, FromPeer, FromExternal, FromSystem},
		targetsConnection:     true,
		allowsCreation:        true,
		causesOutgoingMessage: true,
	},
	TypeClose: {
		legalDirections:       []Direction{FromOwner, FromPeer, FromExternal, FromSystem},
		targetsConnection:     true,
		causesOutgoingMessage: true,
	},
	TypeConnectionMessage: {
		legalDirections:       []Direction{FromOwner, FromPeer, FromExternal, FromSystem},
		targetsConnection:     true,
		causesOutgoingMessage: true,
	},
	TypeHint: {
		legalDirections:   []Direction{FromMatcher},
		targetsConnection: true,
		allowsCreation:    true,
	},
	TypeSuccessResponse: {
		legalDirections:   []Direction{FromPeer, FromExternal, FromSystem},
		targetsConnection: true,
		isResponse:        true,
	},
	TypeFailureResponse: {
		legalDirections:   []Direction{FromPeer, FromExternal, FromSystem},
		targetsConnection: true,
		isResponse:        true,
	},
}

// IsValid reports whether t is part of the closed type enumeration
func (t Type) IsValid() bool {
	_, ok := behaviors[t]
	return ok
}

// IsResponse reports whether t acknowledges another message
func (t Type) IsResponse() bool {
	return behaviors[t].isResponse
}

// CausesOutgoingMessage reports whether processing t must produce a copy
// for the remote side of the connection
func (t Type) CausesOutgoingMessage() bool {
	return behaviors[t].causesOutgoingMessage
}

// TargetsConnection reports whether t references a connection
func (t Type) TargetsConnection() bool {
	return behaviors[t].targetsConnection
}

// AllowsConnectionCreation reports whether t may create the connection it
// references when none exists yet
func (t Type) AllowsConnectionCreation() bool {
	return behaviors[t].allowsCreation
}

// DirectionAllowed reports whether d is a legal direction for t
func (t Type) DirectionAllowed(d Direction) bool {
	for _, legal := range behaviors[t].legalDirections {
		if legal == d {
			return true
		}
	}
	return false
}

// String returns the type identifier
func (t Type) String() string {
	return string(t)
}

// ParseType converts a string into a Type, rejecting unknown values
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown message type %q", s)
	}
	return t, nil
}

// ParseDirection converts a string into a Direction, rejecting unknown values
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.IsValid() {
		return "", fmt.Errorf("unknown direction %q", s)
	}
	return d, nil
}
