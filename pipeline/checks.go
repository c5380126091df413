package pipeline

import (
	"context"
	"strings"

	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
)

// checkWellformed verifies envelope integrity: known type, legal direction
// for that type, required identities present
func (p *Pipeline) checkWellformed(run *Run) error {
	if err := run.Msg.Validate(); err != nil {
		return err
	}
	return nil
}

// checkNodePath verifies the message is addressed to an identity this node
// hosts. Remote messages carry a receiver under our URI; local messages
// carry a sender under it.
func (p *Pipeline) checkNodePath(run *Run) error {
	msg := run.Msg
	local := msg.SenderID
	if msg.Direction.Remote() {
		local = msg.ReceiverID
	}
	if msg.Type == message.TypeCreateAtom {
		// The atom does not exist yet; the minted ID must live under us
		local = msg.SenderID
	}
	if local == "" || !strings.HasPrefix(local, p.deps.NodeURI) {
		return &errors.WrongNodeError{
			MessageID: msg.ID,
			Receiver:  local,
			NodeURI:   p.deps.NodeURI,
		}
	}
	return nil
}

// resolveParent loads the connection and atom the message operates on,
// creating the connection when the type allows it. Takes the per-connection
// lock; the caller releases it via run.unlock after commit or on failure.
func (p *Pipeline) resolveParent(ctx context.Context, run *Run) error {
	deps := p.deps
	msg := run.Msg

	if msg.Type == message.TypeCreateAtom {
		// No parent yet; duplicate creation is caught by the ledger and
		// by the store's first-insert guarantee
		return p.resolveCreateAtom(ctx, run)
	}

	atomID := p.localAtomID(msg)
	if atomID != "" {
		atom, err := deps.Connections.LoadAtom(ctx, atomID)
		if err != nil {
			if err == errors.ErrKeyNotFound {
				return &errors.MalformedMessageError{
					MessageID: msg.ID,
					Reason:    "unknown atom " + atomID,
				}
			}
			return &errors.StorageError{MessageID: msg.ID, Op: "load atom", Err: err}
		}
		run.Atom = atom
	}

	if !msg.Type.TargetsConnection() {
		if run.Atom == nil {
			return &errors.MalformedMessageError{
				MessageID: msg.ID,
				Reason:    "no atom resolvable for " + msg.Type.String(),
			}
		}
		run.unlock = deps.Connections.LockAtom(run.Atom.ID)
		return nil
	}

	connID := msg.LocalConnectionID()
	if connID == "" && msg.Type.AllowsConnectionCreation() {
		return p.resolveNewConnection(ctx, run)
	}
	if connID == "" {
		return &errors.UnknownConnectionError{MessageID: msg.ID, ConnectionID: ""}
	}

	run.unlock = deps.Connections.Lock(connID)
	conn, err := deps.Connections.LoadConnection(ctx, connID)
	if err != nil {
		if err == errors.ErrKeyNotFound {
			return &errors.UnknownConnectionError{MessageID: msg.ID, ConnectionID: connID}
		}
		return &errors.StorageError{MessageID: msg.ID, Op: "load connection", Err: err}
	}
	run.Conn = conn

	if run.Atom == nil {
		atom, err := deps.Connections.LoadAtom(ctx, conn.AtomID)
		if err != nil {
			return &errors.StorageError{MessageID: msg.ID, Op: "load atom", Err: err}
		}
		run.Atom = atom
	}

	if !run.Atom.Active() && !allowedOnInactive(msg) {
		return &errors.IllegalMessageForStateError{
			ConnectionID: conn.ID,
			State:        string(conn.State),
			MessageType:  msg.Type.String(),
		}
	}
	return nil
}

// resolveCreateAtom prepares a fresh atom aggregate for the create operation
func (p *Pipeline) resolveCreateAtom(ctx context.Context, run *Run) error {
	msg := run.Msg
	payload, err := message.DecodePayload[message.CreateAtomPayload](msg.Payload)
	if err != nil {
		return &errors.MalformedMessageError{MessageID: msg.ID, Reason: "bad create payload"}
	}
	run.unlock = p.deps.Connections.LockAtom(msg.SenderID)
	exists, err := p.deps.Connections.AtomExists(ctx, msg.SenderID)
	if err != nil {
		return &errors.StorageError{MessageID: msg.ID, Op: "check atom", Err: err}
	}
	if exists {
		// Re-creation of a live atom is a protocol error; a duplicate
		// delivery of the same message is caught by the ledger first
		dup, derr := p.deps.Ledger.Lookup(ctx, msg.ID)
		if derr == nil && dup != nil {
			return nil
		}
		return &errors.MalformedMessageError{
			MessageID: msg.ID,
			Reason:    "atom already exists: " + msg.SenderID,
		}
	}
	run.Atom = connection.NewAtom(msg.SenderID, payload.OwnerApp)
	return nil
}

// resolveNewConnection mints a connection for a first contact (connect or
// hint without a local connection)
func (p *Pipeline) resolveNewConnection(ctx context.Context, run *Run) error {
	deps := p.deps
	msg := run.Msg

	localAtom := p.localAtomID(msg)
	if localAtom == "" {
		return &errors.MalformedMessageError{MessageID: msg.ID, Reason: "no local atom"}
	}

	remoteAtom := msg.ReceiverID
	if msg.Direction.Remote() {
		remoteAtom = msg.SenderID
	}
	if msg.Type == message.TypeHint {
		payload, err := message.DecodePayload[message.HintPayload](msg.Payload)
		if err != nil {
			return &errors.MalformedMessageError{MessageID: msg.ID, Reason: "bad hint payload"}
		}
		remoteAtom = payload.CounterpartAtom
	}

	conn := connection.New(deps.NodeURI, localAtom, remoteAtom,
		connection.InitialState(msg.Type, msg.Direction))
	if msg.Direction.Remote() && msg.SenderConnection != "" {
		if err := conn.SetRemote(remoteAtom, msg.SenderConnection); err != nil {
			return err
		}
	}

	run.unlock = deps.Connections.Lock(conn.ID)
	run.Conn = conn
	run.NewConn = true
	run.PrevState = conn.State
	run.NextState = conn.State
	run.StateChanged = true

	// Stamp the minted connection into the message so downstream copies
	// and responses reference it
	if msg.Direction.Remote() {
		msg.ReceiverConnection = conn.ID
	} else {
		msg.SenderConnection = conn.ID
	}
	return nil
}

// checkDuplicate consults the ledger. A known message with a stored
// response is replayed. A known message without one means an earlier commit
// was interrupted after the ledger write; the run falls through so the
// transition is re-applied, under the identifiers recorded on first
// delivery.
func (p *Pipeline) checkDuplicate(ctx context.Context, run *Run) (bool, error) {
	entry, err := p.deps.Ledger.Lookup(ctx, run.Msg.ID)
	if err != nil {
		return false, &errors.StorageError{MessageID: run.Msg.ID, Op: "ledger lookup", Err: err}
	}
	if entry == nil {
		return false, nil
	}
	if entry.Response != nil {
		run.Response = entry.Response
		return true, nil
	}
	if err := p.adoptRecordedIdentity(ctx, run, entry); err != nil {
		return false, err
	}
	return false, nil
}

// adoptRecordedIdentity rebinds a redelivered first-contact message to the
// connection minted on its first delivery. Without this a redelivery would
// mint a second connection for the same connect or hint.
func (p *Pipeline) adoptRecordedIdentity(ctx context.Context, run *Run, entry *ledger.Entry) error {
	if !run.NewConn || entry.Message == nil || run.Conn == nil {
		return nil
	}
	recorded := entry.Message.LocalConnectionID()
	if recorded == "" || recorded == run.Conn.ID {
		return nil
	}

	if run.unlock != nil {
		run.unlock()
	}
	run.unlock = p.deps.Connections.Lock(recorded)

	stored, err := p.deps.Connections.LoadConnection(ctx, recorded)
	switch {
	case err == nil:
		run.Conn = stored
		run.PrevState = stored.State
		run.NextState = stored.State
	case err == errors.ErrKeyNotFound:
		// The record itself never made it to storage; keep the minted
		// aggregate but under the recorded identifier
		run.Conn.ID = recorded
	default:
		return &errors.StorageError{MessageID: run.Msg.ID, Op: "load connection", Err: err}
	}

	if run.Msg.Direction.Remote() {
		run.Msg.ReceiverConnection = recorded
	} else {
		run.Msg.SenderConnection = recorded
	}
	return nil
}

// checkSignature verifies authenticity for messages from remote parties
func (p *Pipeline) checkSignature(ctx context.Context, run *Run) error {
	if p.deps.Verifier == nil || !run.Msg.Direction.Remote() {
		return nil
	}
	ok, err := p.deps.Verifier.Verify(ctx, run.Msg)
	if err != nil {
		return errors.WrapTransient(err, "pipeline", "checkSignature", "verify signature")
	}
	if !ok {
		return &errors.UnauthorizedMessageError{
			MessageID: run.Msg.ID,
			Sender:    run.Msg.SenderID,
		}
	}
	return nil
}

// applyStateMachine computes the connection state transition. Freshly
// created connections already carry their initial state.
func (p *Pipeline) applyStateMachine(run *Run) error {
	if run.Conn == nil || run.NewConn {
		return nil
	}
	next, changed, err := connection.Transit(run.Conn.ID, run.Conn.State, run.Msg.Type, run.Msg.Direction)
	if err != nil {
		return err
	}
	run.PrevState = run.Conn.State
	run.NextState = next
	run.StateChanged = changed
	return nil
}

// localAtomID names the atom on this node the message concerns
func (p *Pipeline) localAtomID(msg *message.Message) string {
	if msg.Direction.Remote() {
		return msg.ReceiverID
	}
	return msg.SenderID
}

// allowedOnInactive lists what may still touch connections of a
// deactivated atom: closing them and acknowledging those closes
func allowedOnInactive(msg *message.Message) bool {
	return msg.Type == message.TypeClose || msg.Type.IsResponse()
}

// shouldRespond says whether the node acknowledges this message. Responses
// are never themselves acknowledged, and matcher hints get no response.
func shouldRespond(msg *message.Message) bool {
	if msg.Type.IsResponse() {
		return false
	}
	if msg.Direction == message.FromMatcher {
		return false
	}
	return true
}
