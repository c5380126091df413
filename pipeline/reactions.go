package pipeline

import (
	"context"

	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/message"
)

// ReactionFunc mutates the run with type-specific behavior before commit.
// Reactions see the resolved connection and atom under the held lock and
// may append cascade messages for post-commit injection.
type ReactionFunc func(ctx context.Context, run *Run, deps *Deps) error

// ReactionRegistry maps message types to their pre-commit reactions
type ReactionRegistry struct {
	reactions map[message.Type]ReactionFunc
}

// NewReactionRegistry builds a registry loaded with the built-in reactions
func NewReactionRegistry() *ReactionRegistry {
	r := &ReactionRegistry{reactions: make(map[message.Type]ReactionFunc)}
	r.Register(message.TypeActivateAtom, reactActivateAtom)
	r.Register(message.TypeDeactivateAtom, reactDeactivateAtom)
	r.Register(message.TypeConnect, reactConnect)
	r.Register(message.TypeSuccessResponse, reactResponse)
	r.Register(message.TypeFailureResponse, reactResponse)
	return r
}

// Register installs or replaces the reaction for a message type
func (r *ReactionRegistry) Register(t message.Type, fn ReactionFunc) {
	r.reactions[t] = fn
}

// React runs the reaction registered for the message's type, if any
func (r *ReactionRegistry) React(ctx context.Context, run *Run, deps *Deps) error {
	fn, ok := r.reactions[run.Msg.Type]
	if !ok {
		return nil
	}
	return fn(ctx, run, deps)
}

func reactActivateAtom(_ context.Context, run *Run, _ *Deps) error {
	run.Atom.State = connection.AtomActive
	return nil
}

// reactDeactivateAtom marks the atom inactive and schedules a close for
// every live connection. The closes travel the system channel as ordinary
// messages with their reaction suppressed, so closing a connection during
// deactivation cannot trigger further reactions.
func reactDeactivateAtom(ctx context.Context, run *Run, deps *Deps) error {
	run.Atom.State = connection.AtomInactive

	if run.Msg.Flags.SuppressReaction {
		return nil
	}

	connIDs, err := deps.Connections.ConnectionsOfAtom(ctx, run.Atom.ID)
	if err != nil {
		return &errors.StorageError{MessageID: run.Msg.ID, Op: "list connections", Err: err}
	}
	for _, connID := range connIDs {
		conn, err := deps.Connections.LoadConnection(ctx, connID)
		if err != nil {
			if err == errors.ErrKeyNotFound {
				continue
			}
			return &errors.StorageError{MessageID: run.Msg.ID, Op: "load connection", Err: err}
		}
		if conn.State.Terminal() {
			continue
		}
		closeMsg := message.New(deps.NodeURI,
			message.TypeClose, message.FromSystem,
			run.Atom.ID, conn.RemoteAtomID,
			message.WithConnections(conn.ID, conn.RemoteConnection),
			message.WithCorrelation(run.Msg.ID),
			message.WithFlags(message.Flags{SuppressReaction: true}),
		)
		run.Cascades = append(run.Cascades, closeMsg)
	}
	return nil
}

// reactConnect binds the remote connection URI onto an already known
// connection when the counterpart's open names it
func reactConnect(_ context.Context, run *Run, _ *Deps) error {
	msg := run.Msg
	if !msg.Direction.Remote() || run.NewConn || msg.SenderConnection == "" {
		return nil
	}
	if run.Conn.RemoteConnection != "" {
		return nil
	}
	return run.Conn.SetRemote(msg.SenderID, msg.SenderConnection)
}

// reactResponse binds the remote connection from a counterpart's response
// to our connect, which is the first message naming it
func reactResponse(_ context.Context, run *Run, _ *Deps) error {
	msg := run.Msg
	if run.Conn == nil || msg.SenderConnection == "" {
		return nil
	}
	if run.Conn.RemoteConnection != "" {
		return nil
	}
	return run.Conn.SetRemote(msg.SenderID, msg.SenderConnection)
}
