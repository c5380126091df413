// Package dispatch delivers committed messages to their recipients: the
// sender's response channel, the peer node, the owner applications of the
// local atom and the matcher broadcast. Delivery is at-least-once on top
// of JetStream; the ledger's notification list keeps redeliveries from
// notifying the same owner application twice.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/pipeline"
)

// Dispatcher executes routing slip hops over a Transport
type Dispatcher struct {
	nodeURI   string
	transport Transport
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

// New creates a dispatcher
func New(nodeURI string, transport Transport, led *ledger.Ledger, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		nodeURI:   nodeURI,
		transport: transport,
		ledger:    led,
		logger:    logger,
	}
}

var _ pipeline.Dispatcher = (*Dispatcher)(nil)

// RespondToSender routes the response back to wherever the original came
// from: the owner channel for local messages, the peer node for remote ones.
func (d *Dispatcher) RespondToSender(ctx context.Context, run *pipeline.Run) error {
	if run.Response == nil {
		return nil
	}
	switch run.Msg.Direction {
	case message.FromOwner, message.FromSystem:
		return d.deliverToOwners(ctx, run, run.Response)
	case message.FromPeer, message.FromExternal:
		subject := NodeSubject(remoteNodeURI(run.Msg.SenderID))
		return d.deliver(ctx, run, subject, run.Response)
	}
	// Matcher hints are not acknowledged; nothing to do
	return nil
}

// ForwardToPeer sends a fresh remote copy of the message to the peer node.
// The copy gets its own identifier and references the original, so the
// receiving node processes it as a new message while correlation survives.
func (d *Dispatcher) ForwardToPeer(ctx context.Context, run *pipeline.Run) error {
	copyMsg := run.Msg.RemoteCopy(message.MintID(d.nodeURI))
	subject := NodeSubject(remoteNodeURI(run.Msg.ReceiverID))
	return d.deliver(ctx, run, subject, copyMsg)
}

// ForwardToOwner notifies every owner application registered on the local
// atom. Each application is marked notified in the ledger after a
// successful delivery; a redelivered message skips those already marked.
func (d *Dispatcher) ForwardToOwner(ctx context.Context, run *pipeline.Run) error {
	return d.deliverToOwners(ctx, run, run.Msg)
}

// NotifyMatchers broadcasts the message on the matcher subject
func (d *Dispatcher) NotifyMatchers(ctx context.Context, run *pipeline.Run) error {
	return d.deliver(ctx, run, SubjectMatcher, run.Msg)
}

func (d *Dispatcher) deliverToOwners(ctx context.Context, run *pipeline.Run, msg *message.Message) error {
	if run.Atom == nil || len(run.Atom.OwnerApps) == 0 {
		d.logger.Debug("no owner applications registered",
			"message_id", run.Msg.ID, "atom", d.atomID(run))
		return nil
	}

	var firstErr error
	for _, app := range run.Atom.OwnerApps {
		done, err := d.ledger.WasNotified(ctx, msg.ID, app)
		if err != nil {
			d.logger.Warn("notification check failed",
				"message_id", msg.ID, "owner_app", app, "error", err)
		}
		if done {
			continue
		}
		if err := d.deliver(ctx, run, OwnerSubject(app), msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := d.ledger.MarkNotified(ctx, msg.ID, app); err != nil {
			d.logger.Warn("notification mark failed",
				"message_id", msg.ID, "owner_app", app, "error", err)
		}
	}
	return firstErr
}

func (d *Dispatcher) deliver(ctx context.Context, run *pipeline.Run, subject string, msg *message.Message) error {
	if err := d.transport.Deliver(ctx, subject, msg); err != nil {
		return &errors.DeliveryFailureError{
			MessageID: run.Msg.ID,
			Hop:       subject,
			Recipient: subject,
			Err:       err,
		}
	}
	d.logger.Debug("message delivered", "message_id", msg.ID, "subject", subject)
	return nil
}

func (d *Dispatcher) atomID(run *pipeline.Run) string {
	if run.Atom != nil {
		return run.Atom.ID
	}
	return ""
}

// remoteNodeURI derives the hosting node from an atom URI by truncating at
// the atom path segment
func remoteNodeURI(atomURI string) string {
	if i := strings.Index(atomURI, "/atom/"); i > 0 {
		return atomURI[:i]
	}
	return atomURI
}
