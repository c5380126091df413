package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/dispatch"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/pipeline"
	"github.com/tyriis/webofneeds/storage"
	"github.com/tyriis/webofneeds/testutil"
)

type capturedDelivery struct {
	Subject string
	Message *message.Message
}

// captureTransport records deliveries and can fail selected subjects
type captureTransport struct {
	Deliveries   []capturedDelivery
	FailSubjects map[string]error
}

func (t *captureTransport) Deliver(_ context.Context, subject string, msg *message.Message) error {
	if err, ok := t.FailSubjects[subject]; ok {
		return err
	}
	t.Deliveries = append(t.Deliveries, capturedDelivery{Subject: subject, Message: msg})
	return nil
}

func (t *captureTransport) subjects() []string {
	out := make([]string, len(t.Deliveries))
	for i, d := range t.Deliveries {
		out[i] = d.Subject
	}
	return out
}

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *captureTransport, *ledger.Ledger) {
	t.Helper()
	transport := &captureTransport{}
	led := ledger.New(storage.NewMemoryStore())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return dispatch.New(testutil.NodeURI, transport, led, logger), transport, led
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain identifier", "app-1", "app-1"},
		{"https URI", "https://peer.test/atom/x", "peer_test_atom_x"},
		{"http URI", "http://peer.test", "peer_test"},
		{"port and dots", "https://peer.test:8443", "peer_test_8443"},
		{"underscores survive", "owner_app_2", "owner_app_2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, dispatch.SubjectOwnerPrefix+tt.want, dispatch.OwnerSubject(tt.in),
				"owner subject for %q", tt.in)
		})
	}
}

func TestSubjectBuilders(t *testing.T) {
	assert.Equal(t, "won.out.owner.app-1", dispatch.OwnerSubject("app-1"))
	assert.Equal(t, "won.out.node.peer_test", dispatch.NodeSubject("https://peer.test"))
}

func TestRespondToSenderFromOwner(t *testing.T) {
	d, transport, _ := newDispatcher(t)
	atom := connection.NewAtom(testutil.AtomURI("a"), "app-1")

	msg := message.New(testutil.NodeURI, message.TypeConnect, message.FromOwner,
		atom.ID, testutil.PeerAtomURI("b"))
	run := &pipeline.Run{
		Msg:      msg,
		Atom:     atom,
		Response: message.NewSuccessResponse(testutil.NodeURI, msg),
	}

	require.NoError(t, d.RespondToSender(context.Background(), run))
	require.Len(t, transport.Deliveries, 1)
	assert.Equal(t, "won.out.owner.app-1", transport.Deliveries[0].Subject)
	assert.Equal(t, run.Response.ID, transport.Deliveries[0].Message.ID)
}

func TestRespondToSenderFromPeer(t *testing.T) {
	d, transport, _ := newDispatcher(t)
	atom := connection.NewAtom(testutil.AtomURI("a"), "app-1")

	msg := message.New(testutil.PeerURI, message.TypeConnect, message.FromPeer,
		testutil.PeerAtomURI("b"), atom.ID)
	run := &pipeline.Run{
		Msg:      msg,
		Atom:     atom,
		Response: message.NewSuccessResponse(testutil.NodeURI, msg),
	}

	require.NoError(t, d.RespondToSender(context.Background(), run))
	require.Len(t, transport.Deliveries, 1)
	assert.Equal(t, "won.out.node.peer_test", transport.Deliveries[0].Subject)
}

func TestForwardToPeerMintsRemoteCopy(t *testing.T) {
	d, transport, _ := newDispatcher(t)

	msg := message.New(testutil.NodeURI, message.TypeConnectionMessage, message.FromOwner,
		testutil.AtomURI("a"), testutil.PeerAtomURI("b"),
		message.WithFlags(message.Flags{SuppressReaction: true}))
	run := &pipeline.Run{Msg: msg}

	require.NoError(t, d.ForwardToPeer(context.Background(), run))
	require.Len(t, transport.Deliveries, 1)

	sent := transport.Deliveries[0]
	assert.Equal(t, "won.out.node.peer_test", sent.Subject)
	assert.NotEqual(t, msg.ID, sent.Message.ID)
	assert.Equal(t, msg.ID, sent.Message.CorrelationID)
	assert.Equal(t, message.Flags{}, sent.Message.Flags)
}

func TestForwardToOwnerFansOut(t *testing.T) {
	d, transport, _ := newDispatcher(t)
	atom := connection.NewAtom(testutil.AtomURI("a"), "app-1")
	atom.AuthorizeOwnerApp("app-2")

	msg := message.New(testutil.PeerURI, message.TypeConnectionMessage, message.FromPeer,
		testutil.PeerAtomURI("b"), atom.ID)
	run := &pipeline.Run{Msg: msg, Atom: atom}

	require.NoError(t, d.ForwardToOwner(context.Background(), run))
	assert.Equal(t,
		[]string{"won.out.owner.app-1", "won.out.owner.app-2"},
		transport.subjects())
}

func TestForwardToOwnerSkipsAlreadyNotified(t *testing.T) {
	d, transport, led := newDispatcher(t)
	atom := connection.NewAtom(testutil.AtomURI("a"), "app-1")
	atom.AuthorizeOwnerApp("app-2")

	msg := message.New(testutil.PeerURI, message.TypeConnectionMessage, message.FromPeer,
		testutil.PeerAtomURI("b"), atom.ID)
	require.NoError(t, led.RecordMessage(context.Background(), msg))
	require.NoError(t, led.MarkNotified(context.Background(), msg.ID, "app-1"))

	run := &pipeline.Run{Msg: msg, Atom: atom}
	require.NoError(t, d.ForwardToOwner(context.Background(), run))

	// Only the app not yet marked gets the redelivery
	assert.Equal(t, []string{"won.out.owner.app-2"}, transport.subjects())

	done, err := led.WasNotified(context.Background(), msg.ID, "app-2")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestForwardToOwnerPartialFailure(t *testing.T) {
	d, transport, led := newDispatcher(t)
	atom := connection.NewAtom(testutil.AtomURI("a"), "app-1")
	atom.AuthorizeOwnerApp("app-2")

	msg := message.New(testutil.PeerURI, message.TypeConnectionMessage, message.FromPeer,
		testutil.PeerAtomURI("b"), atom.ID)
	require.NoError(t, led.RecordMessage(context.Background(), msg))

	transport.FailSubjects = map[string]error{"won.out.owner.app-1": assert.AnError}
	run := &pipeline.Run{Msg: msg, Atom: atom}

	err := d.ForwardToOwner(context.Background(), run)
	require.Error(t, err)

	var deliveryErr *errors.DeliveryFailureError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, msg.ID, deliveryErr.MessageID)

	// The failed app stays unmarked so redelivery reaches it again
	done, err := led.WasNotified(context.Background(), msg.ID, "app-1")
	require.NoError(t, err)
	assert.False(t, done)
	done, err = led.WasNotified(context.Background(), msg.ID, "app-2")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestForwardToOwnerWithoutApps(t *testing.T) {
	d, transport, _ := newDispatcher(t)
	msg := message.New(testutil.PeerURI, message.TypeConnectionMessage, message.FromPeer,
		testutil.PeerAtomURI("b"), testutil.AtomURI("a"))

	require.NoError(t, d.ForwardToOwner(context.Background(), &pipeline.Run{Msg: msg}))
	assert.Empty(t, transport.Deliveries)
}

func TestNotifyMatchers(t *testing.T) {
	d, transport, _ := newDispatcher(t)
	msg := message.New(testutil.NodeURI, message.TypeCreateAtom, message.FromOwner,
		testutil.AtomURI("a"), testutil.NodeURI)

	require.NoError(t, d.NotifyMatchers(context.Background(), &pipeline.Run{Msg: msg}))
	require.Len(t, transport.Deliveries, 1)
	assert.Equal(t, dispatch.SubjectMatcher, transport.Deliveries[0].Subject)
}
