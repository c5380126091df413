package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyriis/webofneeds/dispatch"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/node"
)

type fakeSub struct {
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSub) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// fakeBroker captures publishes and hands out delivery handlers
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func(data []byte)
	subs      []*fakeSub
}

func (b *fakeBroker) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func(data []byte))
	}
	b.handlers[subject] = handler
	sub := &fakeSub{}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *fakeBroker) PublishToStream(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBroker) publishedTo(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[subject]
}

func (b *fakeBroker) handlerFor(subject string) func(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[subject]
}

func newTestGateway(t *testing.T, cfg Config) (*fakeBroker, *httptest.Server) {
	t.Helper()
	broker := &fakeBroker{}
	g := New(cfg, broker)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.handleUpgrade(context.Background(), w, r)
	}))
	t.Cleanup(server.Close)
	return broker, server
}

func dial(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + server.URL[4:]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func register(t *testing.T, conn *websocket.Conn, app string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Envelope{Type: "register", OwnerApp: app}))
	ack := readEnvelope(t, conn)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, app, ack.OwnerApp)
}

func TestRegisterSubscribesDeliveries(t *testing.T) {
	broker, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)

	register(t, conn, "app-1")

	require.NotNil(t, broker.handlerFor(dispatch.OwnerSubject("app-1")))

	// Disconnecting tears the delivery subscription down
	conn.Close()
	broker.mu.Lock()
	require.Len(t, broker.subs, 1)
	sub := broker.subs[0]
	broker.mu.Unlock()
	assert.Eventually(t, sub.isUnsubscribed, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterRequiredFirst(t *testing.T) {
	_, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)

	require.NoError(t, conn.WriteJSON(Envelope{Type: "message"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.NotEmpty(t, env.Error)
}

func TestInboundMessagePublished(t *testing.T) {
	broker, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)
	register(t, conn, "app-1")

	msg := message.New("https://node.test", message.TypeCreateAtom, message.FromOwner,
		"https://node.test/atom/a", "https://node.test")
	encoded, err := msg.Encode()
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Envelope{Type: "message", Payload: encoded}))
	ack := readEnvelope(t, conn)
	require.Equal(t, "ack", ack.Type)

	published := broker.publishedTo(node.SubjectInOwner)
	require.Len(t, published, 1)

	relayed, err := message.Decode(published[0])
	require.NoError(t, err)
	assert.Equal(t, msg.ID, relayed.ID)
	assert.Equal(t, message.FromOwner, relayed.Direction)
}

func TestInboundDirectionForcedToOwner(t *testing.T) {
	broker, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)
	register(t, conn, "app-1")

	// A client cannot smuggle messages under another direction
	msg := message.New("https://node.test", message.TypeConnect, message.FromPeer,
		"https://node.test/atom/a", "https://peer.test/atom/b")
	encoded, err := msg.Encode()
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Envelope{Type: "message", Payload: encoded}))
	require.Equal(t, "ack", readEnvelope(t, conn).Type)

	published := broker.publishedTo(node.SubjectInOwner)
	require.Len(t, published, 1)
	relayed, err := message.Decode(published[0])
	require.NoError(t, err)
	assert.Equal(t, message.FromOwner, relayed.Direction)
}

func TestUndecodableFrameRejected(t *testing.T) {
	broker, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)
	register(t, conn, "app-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Empty(t, broker.publishedTo(node.SubjectInOwner))
}

func TestDeliveryPushedToClient(t *testing.T) {
	broker, server := newTestGateway(t, Config{})
	conn := dial(t, server, nil)
	register(t, conn, "app-1")

	msg := message.New("https://node.test", message.TypeSuccessResponse, message.FromSystem,
		"https://node.test", "https://node.test/atom/a")
	encoded, err := msg.Encode()
	require.NoError(t, err)

	handler := broker.handlerFor(dispatch.OwnerSubject("app-1"))
	require.NotNil(t, handler)
	handler(encoded)

	env := readEnvelope(t, conn)
	require.Equal(t, "delivery", env.Type)

	delivered, err := message.Decode(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, delivered.ID)
}

func TestBearerTokenRequired(t *testing.T) {
	_, server := newTestGateway(t, Config{Token: "secret"})

	wsURL := "ws" + server.URL[4:]
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn := dial(t, server, header)
	register(t, conn, "app-1")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Type: "delivery", Payload: json.RawMessage(`{"k":"v"}`)}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.Type, decoded.Type)
	assert.JSONEq(t, `{"k":"v"}`, string(decoded.Payload))
}
