// Package websocket provides the owner gateway: owner applications connect
// over WebSocket, register under their application ID and exchange messages
// with the node. Inbound frames are published onto the owner channel;
// deliveries addressed to the application are pushed back over the socket.
package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	natsio "github.com/nats-io/nats.go"

	"github.com/tyriis/webofneeds/dispatch"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/natsclient"
	"github.com/tyriis/webofneeds/node"
)

// Envelope frames every WebSocket exchange. Types:
//   - "register": first frame from a client, names its owner application ID
//   - "message":  an inbound message for the node (payload is the message)
//   - "delivery": an outbound message pushed to the application
//   - "ack":      gateway accepted an inbound frame
//   - "error":    gateway rejected an inbound frame
type Envelope struct {
	Type     string          `json:"type"`
	OwnerApp string          `json:"owner_app,omitempty"`
	Error    string          `json:"error,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Subscription is a cancellable delivery subscription
type Subscription interface {
	Unsubscribe() error
}

// Broker is the messaging surface the gateway needs: durable publish for
// inbound messages and plain subscriptions for per-application deliveries
type Broker interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

type natsBroker struct {
	client *natsclient.Client
}

// NewBroker adapts the NATS client to the gateway's Broker interface
func NewBroker(client *natsclient.Client) Broker {
	return &natsBroker{client: client}
}

func (b *natsBroker) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.client.Subscribe(subject, func(m *natsio.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBroker) PublishToStream(ctx context.Context, subject string, data []byte) error {
	return b.client.PublishToStream(ctx, subject, data)
}

// Config configures the gateway server
type Config struct {
	Addr string
	// Token, when non-empty, is required as a Bearer credential on the
	// upgrade request
	Token string

	ReadBufferSize  int
	WriteBufferSize int
}

// Gateway is the WebSocket server for owner applications
type Gateway struct {
	cfg      Config
	broker   Broker
	upgrader websocket.Upgrader

	httpServer *http.Server

	clientsMu sync.RWMutex
	clients   map[string]*ownerConn

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex
}

type ownerConn struct {
	app     string
	conn    *websocket.Conn
	writeMu sync.Mutex
	sub     Subscription
}

// New creates a gateway server
func New(cfg Config, broker Broker) *Gateway {
	if cfg.Addr == "" {
		cfg.Addr = ":8443"
	}
	return &Gateway{
		cfg:    cfg,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		clients:  make(map[string]*ownerConn),
		shutdown: make(chan struct{}),
	}
}

// Start begins serving WebSocket upgrades
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started.Load() {
		return errors.ErrAlreadyStarted
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		g.handleUpgrade(ctx, w, r)
	})

	g.httpServer = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()
	g.started.Store(true)
	return nil
}

// Stop closes all client connections and shuts the server down
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started.Load() {
		return nil
	}
	g.shutdownOnce.Do(func() { close(g.shutdown) })

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if g.httpServer != nil {
		_ = g.httpServer.Shutdown(ctx)
	}

	g.clientsMu.Lock()
	for _, oc := range g.clients {
		if oc.sub != nil {
			_ = oc.sub.Unsubscribe()
		}
		oc.conn.Close()
	}
	g.clients = make(map[string]*ownerConn)
	g.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"gateway", "Stop", "wait for connections")
	}
	g.started.Store(false)
	return nil
}

func (g *Gateway) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !g.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.wg.Add(1)
	go g.serveConn(ctx, conn)
}

func (g *Gateway) authenticate(r *http.Request) bool {
	if g.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(g.cfg.Token)) == 1
}

// serveConn drives one owner application connection: registration first,
// then the message read loop
func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer g.wg.Done()

	oc, err := g.register(conn)
	if err != nil {
		g.writeEnvelope(&ownerConn{conn: conn}, &Envelope{Type: "error", Error: err.Error()})
		conn.Close()
		return
	}
	defer g.unregister(oc)

	g.readLoop(ctx, oc)
}

// register waits for the initial register frame and subscribes the
// connection to its delivery subject. One connection per application;
// a second registration replaces the first.
func (g *Gateway) register(conn *websocket.Conn) (*ownerConn, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("gateway: read registration: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "register" || env.OwnerApp == "" {
		return nil, fmt.Errorf("gateway: first frame must register an owner application")
	}

	oc := &ownerConn{app: env.OwnerApp, conn: conn}

	sub, err := g.broker.Subscribe(dispatch.OwnerSubject(env.OwnerApp), func(data []byte) {
		g.writeEnvelope(oc, &Envelope{Type: "delivery", Payload: data})
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: subscribe deliveries: %w", err)
	}
	oc.sub = sub

	g.clientsMu.Lock()
	if prev, ok := g.clients[env.OwnerApp]; ok {
		if prev.sub != nil {
			_ = prev.sub.Unsubscribe()
		}
		prev.conn.Close()
	}
	g.clients[env.OwnerApp] = oc
	g.clientsMu.Unlock()

	g.writeEnvelope(oc, &Envelope{Type: "ack", OwnerApp: env.OwnerApp})
	return oc, nil
}

func (g *Gateway) unregister(oc *ownerConn) {
	if oc.sub != nil {
		_ = oc.sub.Unsubscribe()
	}
	oc.conn.Close()
	g.clientsMu.Lock()
	if g.clients[oc.app] == oc {
		delete(g.clients, oc.app)
	}
	g.clientsMu.Unlock()
}

func (g *Gateway) readLoop(ctx context.Context, oc *ownerConn) {
	const readDeadline = time.Second

	for {
		select {
		case <-g.shutdown:
			return
		case <-ctx.Done():
			return
		default:
			oc.conn.SetReadDeadline(time.Now().Add(readDeadline))
			_, data, err := oc.conn.ReadMessage()
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				return
			}
			g.handleFrame(ctx, oc, data)
		}
	}
}

// handleFrame validates an inbound frame and publishes it onto the owner
// channel. The gateway only checks decodability; the pipeline does the real
// validation and answers over the delivery subscription.
func (g *Gateway) handleFrame(ctx context.Context, oc *ownerConn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.writeEnvelope(oc, &Envelope{Type: "error", Error: "undecodable frame"})
		return
	}
	if env.Type != "message" {
		g.writeEnvelope(oc, &Envelope{Type: "error", Error: "unexpected frame type " + env.Type})
		return
	}

	msg, err := message.Decode(env.Payload)
	if err != nil {
		g.writeEnvelope(oc, &Envelope{Type: "error", Error: err.Error()})
		return
	}
	msg.Direction = message.FromOwner

	encoded, err := msg.Encode()
	if err != nil {
		g.writeEnvelope(oc, &Envelope{Type: "error", Error: err.Error()})
		return
	}
	if err := g.broker.PublishToStream(ctx, node.SubjectInOwner, encoded); err != nil {
		g.writeEnvelope(oc, &Envelope{Type: "error", Error: "publish failed"})
		return
	}
	g.writeEnvelope(oc, &Envelope{Type: "ack"})
}

func (g *Gateway) writeEnvelope(oc *ownerConn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	oc.writeMu.Lock()
	defer oc.writeMu.Unlock()
	_ = oc.conn.WriteMessage(websocket.TextMessage, data)
}
