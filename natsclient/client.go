// Package natsclient manages the node's NATS connection: core publish and
// subscribe, JetStream stream and consumer provisioning for the inbound
// channels, and KV buckets backing the storage collaborator.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/pkg/retry"
)

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client closed")
)

// Client manages a NATS connection with reconnect handling
type Client struct {
	url    string
	logger Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Authentication
	username string
	password string
	token    string

	// TLS
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	// Callbacks
	onDisconnect func(error)
	onReconnect  func()

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new NATS client with optional configuration.
// The client does not connect until Connect is called.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        &defaultLogger{},
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		clientName:    "won-node",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}

	return c, nil
}

// Connect establishes the NATS connection and the JetStream context
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	natsOpts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Errorf("disconnected: %v", err)
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Printf("reconnected to %s", nc.ConnectedUrl())
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
	}

	if c.username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		natsOpts = append(natsOpts, nats.Token(c.token))
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		natsOpts = append(natsOpts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		natsOpts = append(natsOpts, nats.RootCAs(c.tlsCAFile))
	}

	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
		return nats.Connect(c.url, natsOpts...)
	})
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", fmt.Sprintf("connect to %s", c.url))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "natsclient", "Connect", "create jetstream context")
	}

	c.conn = conn
	c.js = js
	c.logger.Printf("connected to %s", conn.ConnectedUrl())
	return nil
}

// Conn returns the underlying NATS connection
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

// IsConnected reports whether the connection is currently established
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Publish publishes data on a core NATS subject
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Subscribe subscribes a handler to a core NATS subject. The subscription is
// tracked and drained on Close.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Close drains subscriptions and closes the connection. Safe to call more
// than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil

	if c.conn != nil {
		_ = c.conn.Drain()
		c.conn.Close()
		c.conn = nil
	}
	c.js = nil

	// Clear credentials
	c.password = ""
	c.token = ""
}
