// Package pipeline implements the message processing pipeline of the node:
// classification and validation, connection state machine application,
// type-specific reactions, response building, the durable commit and the
// post-commit routing slip.
//
// One Run moves through the stages in order. Everything before the commit
// can abort without leaving state behind; once the commit succeeded, each
// routing slip hop executes in its own failure boundary so an undeliverable
// forward never unwinds the local persistence. Local durability is
// prioritized over end-to-end atomicity; undelivered hops are surfaced for
// the transport's redelivery tooling, not retried here.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/metric"
	"github.com/tyriis/webofneeds/verifier"
)

// Dispatcher executes the routing slip hops. Implemented by the dispatch
// package; a capture implementation serves tests.
type Dispatcher interface {
	// RespondToSender delivers the response to whoever sent the message
	RespondToSender(ctx context.Context, run *Run) error
	// ForwardToPeer delivers the outbound copy to the remote node
	ForwardToPeer(ctx context.Context, run *Run) error
	// ForwardToOwner delivers message and response to the owner applications
	ForwardToOwner(ctx context.Context, run *Run) error
	// NotifyMatchers broadcasts an atom lifecycle event to matchers
	NotifyMatchers(ctx context.Context, run *Run) error
}

// SystemInjector feeds node-generated messages back into processing, used
// by cascade reactions. Injection happens post-commit; the injected message
// travels the from-system channel like any other inbound message.
type SystemInjector interface {
	Inject(ctx context.Context, msg *message.Message) error
}

// Deps holds the collaborators every pipeline stage may use. Explicit
// context object instead of process-wide singletons; the ledger and the
// connection store are the only shared mutable resources.
type Deps struct {
	NodeURI     string
	Connections *connection.Store
	Ledger      *ledger.Ledger
	Verifier    verifier.Verifier
	Reactions   *ReactionRegistry
	Dispatcher  Dispatcher
	Injector    SystemInjector
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// Run carries the mutable state of one message through the pipeline
type Run struct {
	Channel string // inbound channel name, for metrics and logs
	Msg     *message.Message

	// Resolved by parent resolution
	Conn    *connection.Connection
	Atom    *connection.Atom
	NewConn bool // connection was created for this message

	// Recorded by the state machine stage, committed in the commit stage
	PrevState    connection.State
	NextState    connection.State
	StateChanged bool

	// Produced by the response stage or replayed from the ledger
	Response *message.Message
	Replayed bool

	// Deferred reaction messages, injected post-commit by the react hop
	Cascades []*message.Message

	unlock func()
}

// Outcome summarizes a finished pipeline run for the consumer loop
type Outcome struct {
	Committed bool
	Replayed  bool
	Dropped   bool
	Failed    bool
	Err       error
}

// Pipeline processes inbound messages
type Pipeline struct {
	deps *Deps
}

// New creates a pipeline around its collaborators
func New(deps *Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{deps: deps}
}

// Process runs one message end to end. The returned error is non-nil only
// for infrastructure failures where redelivery should retry the message;
// protocol failures are converted into a failure response and reported in
// the Outcome.
func (p *Pipeline) Process(ctx context.Context, channel string, msg *message.Message) (*Outcome, error) {
	run := &Run{Channel: channel, Msg: msg}
	deps := p.deps
	start := time.Now()

	if deps.Metrics != nil {
		deps.Metrics.MessagesReceived.WithLabelValues(channel, msg.Type.String()).Inc()
	}

	// Hints flagged as ignored are dropped whole: no connection, no ledger
	// entry, no owner forward
	if msg.Type == message.TypeHint && msg.Flags.IgnoreHint {
		deps.Logger.Debug("hint ignored", "message_id", msg.ID, "channel", channel)
		if deps.Metrics != nil {
			deps.Metrics.MessagesProcessed.WithLabelValues(channel, msg.Type.String(), "ignored").Inc()
		}
		return &Outcome{Dropped: true}, nil
	}

	err := p.validateAndApply(ctx, run)

	// The per-connection lock spans parent resolution through commit
	defer func() {
		if run.unlock != nil {
			run.unlock()
			run.unlock = nil
		}
	}()

	switch {
	case err == nil && run.Replayed:
		// Duplicate delivery: replay the stored response, touch nothing
		if deps.Metrics != nil {
			deps.Metrics.MessagesReplayed.WithLabelValues(channel).Inc()
		}
		p.runHop(ctx, run, HopRespondToSender)
		return &Outcome{Replayed: true}, nil

	case err != nil:
		return p.fail(ctx, run, err)
	}

	if err := p.commit(ctx, run); err != nil {
		// Commit failures are fatal to this run; inbound redelivery retries
		storageErr := &errors.StorageError{MessageID: msg.ID, Op: "commit", Err: err}
		deps.Logger.Error("commit failed",
			"message_id", msg.ID, "channel", channel, "error", err)
		if deps.Metrics != nil {
			deps.Metrics.ErrorsTotal.WithLabelValues(channel, errors.ErrorTransient.String()).Inc()
		}
		return &Outcome{Failed: true, Err: storageErr}, storageErr
	}

	// Release the connection lock before fan-out; the local state is durable
	if run.unlock != nil {
		run.unlock()
		run.unlock = nil
	}

	p.fanOut(ctx, run)

	if deps.Metrics != nil {
		deps.Metrics.MessagesProcessed.WithLabelValues(channel, msg.Type.String(), "success").Inc()
		deps.Metrics.ProcessingDuration.WithLabelValues(channel, msg.Type.String()).
			Observe(time.Since(start).Seconds())
	}
	return &Outcome{Committed: true}, nil
}

// validateAndApply runs the pre-commit stages: classification, validation,
// state machine application, reaction and response building
func (p *Pipeline) validateAndApply(ctx context.Context, run *Run) error {
	if err := p.checkWellformed(run); err != nil {
		return err
	}
	if err := p.checkNodePath(run); err != nil {
		return err
	}
	if err := p.resolveParent(ctx, run); err != nil {
		return err
	}
	replayed, err := p.checkDuplicate(ctx, run)
	if err != nil {
		return err
	}
	if replayed {
		run.Replayed = true
		return nil
	}
	if err := p.checkSignature(ctx, run); err != nil {
		return err
	}
	if err := p.applyStateMachine(run); err != nil {
		return err
	}
	if err := p.deps.Reactions.React(ctx, run, p.deps); err != nil {
		return err
	}
	p.buildResponse(run)
	return nil
}

// fail converts a pre-commit error into the appropriate outcome. Protocol
// and invalid-input errors get a failure response routed back to the sender
// only; infrastructure errors propagate for redelivery.
func (p *Pipeline) fail(ctx context.Context, run *Run, cause error) (*Outcome, error) {
	deps := p.deps
	class := errors.Classify(cause)

	if deps.Metrics != nil {
		deps.Metrics.ErrorsTotal.WithLabelValues(run.Channel, class.String()).Inc()
		deps.Metrics.MessagesProcessed.
			WithLabelValues(run.Channel, run.Msg.Type.String(), "failure").Inc()
	}

	if class == errors.ErrorTransient {
		// Not the message's fault; let the transport redeliver
		return &Outcome{Failed: true, Err: cause}, cause
	}

	deps.Logger.Warn("message rejected",
		"message_id", run.Msg.ID, "channel", run.Channel,
		"type", run.Msg.Type.String(), "error", cause)

	// Release the lock before responding; no state was committed
	if run.unlock != nil {
		run.unlock()
		run.unlock = nil
	}

	if shouldRespond(run.Msg) {
		run.Response = message.NewFailureResponse(deps.NodeURI, run.Msg, cause)
		p.runHop(ctx, run, HopRespondToSender)
	}
	return &Outcome{Failed: true, Err: cause}, nil
}

// commit persists the message, the connection and atom state, and the
// response in one logical transaction. Stages before this point made no
// durable writes, so any error here aborts the whole run.
func (p *Pipeline) commit(ctx context.Context, run *Run) error {
	deps := p.deps
	msg := run.Msg

	if err := deps.Ledger.RecordMessage(ctx, msg); err != nil && err != errors.ErrKeyExists {
		return err
	}

	if run.Conn != nil {
		run.Conn.State = run.NextState
		created := false
		if run.NewConn {
			switch err := deps.Connections.CreateConnection(ctx, run.Conn); err {
			case nil:
				created = true
			case errors.ErrKeyExists:
				// An earlier commit stored the record before failing;
				// converge on it instead of aborting the redelivery
				if err := deps.Connections.RestoreConnection(ctx, run.Conn); err != nil {
					return err
				}
			default:
				return err
			}
		} else if err := deps.Connections.SaveConnection(ctx, run.Conn); err != nil {
			return err
		}
		if deps.Metrics != nil {
			if created {
				deps.Metrics.ConnectionsByState.WithLabelValues(string(run.NextState)).Inc()
			} else if !run.NewConn && run.StateChanged {
				deps.Metrics.ConnectionsByState.WithLabelValues(string(run.PrevState)).Dec()
				deps.Metrics.ConnectionsByState.WithLabelValues(string(run.NextState)).Inc()
			}
			if run.StateChanged {
				deps.Metrics.StateTransitions.
					WithLabelValues(string(run.PrevState), string(run.NextState)).Inc()
			}
		}
	}

	if run.Atom != nil {
		if msg.Type == message.TypeCreateAtom {
			if err := deps.Connections.CreateAtom(ctx, run.Atom); err != nil {
				if err != errors.ErrKeyExists {
					return err
				}
				if err := deps.Connections.SaveAtom(ctx, run.Atom); err != nil {
					return err
				}
			}
		} else if err := deps.Connections.SaveAtom(ctx, run.Atom); err != nil {
			return err
		}
	}

	if run.Response != nil {
		if err := deps.Ledger.RecordResponse(ctx, msg.ID, run.Response); err != nil {
			return err
		}
	}
	return nil
}

// fanOut executes the routing slip. Each hop runs in its own failure
// boundary; a failed hop is surfaced and the remaining hops still run.
func (p *Pipeline) fanOut(ctx context.Context, run *Run) {
	for _, hop := range ComputeSlip(run.Msg, run.Response) {
		p.runHop(ctx, run, hop)
	}
}

// runHop executes one hop, isolating its failure
func (p *Pipeline) runHop(ctx context.Context, run *Run, hop Hop) {
	deps := p.deps
	var err error

	switch hop {
	case HopRespondToSender:
		if run.Response == nil || deps.Dispatcher == nil {
			return
		}
		err = deps.Dispatcher.RespondToSender(ctx, run)
	case HopForwardToPeer:
		if deps.Dispatcher == nil {
			return
		}
		err = deps.Dispatcher.ForwardToPeer(ctx, run)
	case HopForwardToOwner:
		if deps.Dispatcher == nil {
			return
		}
		err = deps.Dispatcher.ForwardToOwner(ctx, run)
	case HopNotifyMatchers:
		if deps.Dispatcher == nil {
			return
		}
		err = deps.Dispatcher.NotifyMatchers(ctx, run)
	case HopReactLocally:
		err = p.reactLocally(ctx, run)
	}

	if err != nil {
		deps.Logger.Error("routing hop failed",
			"message_id", run.Msg.ID, "hop", string(hop), "error", err)
		if deps.Metrics != nil {
			deps.Metrics.HopFailures.WithLabelValues(string(hop)).Inc()
		}
	}
}

// reactLocally injects deferred cascade messages into the system channel
func (p *Pipeline) reactLocally(ctx context.Context, run *Run) error {
	if p.deps.Injector == nil || len(run.Cascades) == 0 {
		return nil
	}
	var firstErr error
	for _, cascade := range run.Cascades {
		if err := p.deps.Injector.Inject(ctx, cascade); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildResponse prepares the local success acknowledgment
func (p *Pipeline) buildResponse(run *Run) {
	if !shouldRespond(run.Msg) {
		return
	}
	run.Response = message.NewSuccessResponse(p.deps.NodeURI, run.Msg)
}
