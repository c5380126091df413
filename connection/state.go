// Package connection models the bilateral connection between two atoms:
// its state machine, the connection and atom records, and the lock-guarded
// store that serializes updates per connection.
package connection

import (
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/message"
)

// State is the lifecycle state of a connection
type State string

// Connection states. Closed is terminal.
const (
	StateSuggested       State = "SUGGESTED"
	StateRequestSent     State = "REQUEST_SENT"
	StateRequestReceived State = "REQUEST_RECEIVED"
	StateConnected       State = "CONNECTED"
	StateClosed          State = "CLOSED"
)

// IsValid reports whether s is a recognized state
func (s State) IsValid() bool {
	switch s {
	case StateSuggested, StateRequestSent, StateRequestReceived, StateConnected, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether the state can never be left again
func (s State) Terminal() bool {
	return s == StateClosed
}

// transitionKind collapses (message type, direction) pairs into the events
// the state machine distinguishes
type transitionKind string

const (
	kindOpenLocal  transitionKind = "open-local"  // Connect sent by the local owner
	kindOpenRemote transitionKind = "open-remote" // Connect sent by the remote peer
	kindClose      transitionKind = "close"       // Close or reject from either side
	kindMessage    transitionKind = "message"     // conversational message
	kindHint       transitionKind = "hint"        // matcher hint
	kindResponse   transitionKind = "response"    // delivery acknowledgment
)

func kindOf(t message.Type, d message.Direction) (transitionKind, bool) {
	switch t {
	case message.TypeConnect:
		if d.Remote() {
			return kindOpenRemote, true
		}
		return kindOpenLocal, true
	case message.TypeClose:
		return kindClose, true
	case message.TypeConnectionMessage:
		return kindMessage, true
	case message.TypeHint:
		return kindHint, true
	case message.TypeSuccessResponse, message.TypeFailureResponse:
		return kindResponse, true
	}
	return "", false
}

// transitions is the legal transition table as explicit data: current state
// and event to next state. Any pair not listed is illegal. Entries mapping a
// state onto itself are legal events without a state change.
var transitions = map[State]map[transitionKind]State{
	StateSuggested: {
		kindClose: StateClosed,
		kindHint:  StateSuggested, // duplicate hint, no change
	},
	StateRequestSent: {
		kindOpenRemote: StateConnected, // peer accepts
		kindClose:      StateClosed,
	},
	StateRequestReceived: {
		kindOpenLocal: StateConnected, // local owner accepts
		kindClose:     StateClosed,
	},
	StateConnected: {
		kindMessage: StateConnected,
		kindClose:   StateClosed,
	},
}

// Transit applies a message event to the current state. It returns the next
// state and whether the state actually changed. Events not present in the
// transition table yield an IllegalTransitionError; responses are an
// exception and are accepted in any state without a transition, since the
// acknowledgment for a close arrives after the connection closed.
func Transit(
	connectionID string, current State, t message.Type, d message.Direction,
) (next State, changed bool, err error) {
	kind, ok := kindOf(t, d)
	if !ok {
		return current, false, &errors.IllegalMessageForStateError{
			ConnectionID: connectionID,
			State:        string(current),
			MessageType:  t.String(),
		}
	}

	if kind == kindResponse {
		return current, false, nil
	}

	next, ok = transitions[current][kind]
	if !ok {
		return current, false, &errors.IllegalTransitionError{
			ConnectionID: connectionID,
			FromState:    string(current),
			MessageType:  t.String(),
		}
	}
	return next, next != current, nil
}

// InitialState determines the state of a newly created connection from the
// direction of the message that triggered creation
func InitialState(t message.Type, d message.Direction) State {
	if t == message.TypeHint {
		return StateSuggested
	}
	if d.Remote() {
		return StateRequestReceived
	}
	return StateRequestSent
}
