// Package testutil provides shared fixtures for pipeline and dispatch
// tests: an in-memory environment, message builders and a capturing
// dispatcher.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/metric"
	"github.com/tyriis/webofneeds/pipeline"
	"github.com/tyriis/webofneeds/storage"
	"github.com/tyriis/webofneeds/verifier"
)

// NodeURI is the URI of the node under test
const NodeURI = "https://node.test"

// PeerURI is the URI of the counterpart node in fixtures
const PeerURI = "https://peer.test"

// Env is a fully wired in-memory pipeline environment
type Env struct {
	Blobs       storage.Store
	Connections *connection.Store
	Ledger      *ledger.Ledger
	Dispatcher  *CaptureDispatcher
	Injector    *CaptureInjector
	Pipeline    *pipeline.Pipeline
}

type envConfig struct {
	blobs   storage.Store
	metrics *metric.Metrics
	deps    []func(*pipeline.Deps)
}

// EnvOption adjusts a test environment before wiring
type EnvOption func(*envConfig)

// WithVerifier swaps the signature verifier, default allow-all
func WithVerifier(v verifier.Verifier) EnvOption {
	return func(c *envConfig) {
		c.deps = append(c.deps, func(d *pipeline.Deps) { d.Verifier = v })
	}
}

// WithBlobStore replaces the backing blob store, default in-memory
func WithBlobStore(s storage.Store) EnvOption {
	return func(c *envConfig) { c.blobs = s }
}

// WithMetrics attaches a metrics set to the pipeline
func WithMetrics(m *metric.Metrics) EnvOption {
	return func(c *envConfig) { c.metrics = m }
}

// NewEnv builds an environment over memory storage with capture fakes for
// the outward surfaces
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	cfg := &envConfig{blobs: storage.NewMemoryStore()}
	for _, opt := range opts {
		opt(cfg)
	}

	blobs := cfg.blobs
	conns := connection.NewStore(blobs)
	led := ledger.New(blobs)
	disp := &CaptureDispatcher{}
	inj := &CaptureInjector{}

	deps := &pipeline.Deps{
		NodeURI:     NodeURI,
		Connections: conns,
		Ledger:      led,
		Verifier:    verifier.AllowAll{},
		Reactions:   pipeline.NewReactionRegistry(),
		Dispatcher:  disp,
		Injector:    inj,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     cfg.metrics,
	}
	for _, fn := range cfg.deps {
		fn(deps)
	}
	p := pipeline.New(deps)

	return &Env{
		Blobs:       blobs,
		Connections: conns,
		Ledger:      led,
		Dispatcher:  disp,
		Injector:    inj,
		Pipeline:    p,
	}
}

// Delivery records one hop execution observed by the capture dispatcher
type Delivery struct {
	Hop     pipeline.Hop
	Message *message.Message
}

// CaptureDispatcher records hop executions instead of delivering
type CaptureDispatcher struct {
	mu         sync.Mutex
	Deliveries []Delivery
	// FailHops lists hops that should return an error
	FailHops map[pipeline.Hop]error
}

func (d *CaptureDispatcher) record(hop pipeline.Hop, msg *message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.FailHops[hop]; ok {
		return err
	}
	d.Deliveries = append(d.Deliveries, Delivery{Hop: hop, Message: msg})
	return nil
}

func (d *CaptureDispatcher) RespondToSender(_ context.Context, run *pipeline.Run) error {
	return d.record(pipeline.HopRespondToSender, run.Response)
}

func (d *CaptureDispatcher) ForwardToPeer(_ context.Context, run *pipeline.Run) error {
	return d.record(pipeline.HopForwardToPeer, run.Msg)
}

func (d *CaptureDispatcher) ForwardToOwner(_ context.Context, run *pipeline.Run) error {
	return d.record(pipeline.HopForwardToOwner, run.Msg)
}

func (d *CaptureDispatcher) NotifyMatchers(_ context.Context, run *pipeline.Run) error {
	return d.record(pipeline.HopNotifyMatchers, run.Msg)
}

// Hops returns the hop names in execution order
func (d *CaptureDispatcher) Hops() []pipeline.Hop {
	d.mu.Lock()
	defer d.mu.Unlock()
	hops := make([]pipeline.Hop, len(d.Deliveries))
	for i, del := range d.Deliveries {
		hops[i] = del.Hop
	}
	return hops
}

// Find returns the first delivery for the given hop, or nil
func (d *CaptureDispatcher) Find(hop pipeline.Hop) *Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.Deliveries {
		if d.Deliveries[i].Hop == hop {
			return &d.Deliveries[i]
		}
	}
	return nil
}

// Reset clears recorded deliveries
func (d *CaptureDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Deliveries = nil
}

// CaptureInjector records injected system messages
type CaptureInjector struct {
	mu       sync.Mutex
	Injected []*message.Message
}

func (i *CaptureInjector) Inject(_ context.Context, msg *message.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Injected = append(i.Injected, msg)
	return nil
}

// Messages returns a copy of the injected messages
func (i *CaptureInjector) Messages() []*message.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*message.Message, len(i.Injected))
	copy(out, i.Injected)
	return out
}

// AtomURI mints a deterministic atom URI under the test node
func AtomURI(name string) string {
	return NodeURI + "/atom/" + name
}

// PeerAtomURI mints a deterministic atom URI under the peer node
func PeerAtomURI(name string) string {
	return PeerURI + "/atom/" + name
}

// SeedAtom creates and stores an active atom with one owner application
func SeedAtom(t *testing.T, env *Env, name, ownerApp string) *connection.Atom {
	t.Helper()
	atom := connection.NewAtom(AtomURI(name), ownerApp)
	if err := env.Connections.CreateAtom(context.Background(), atom); err != nil {
		t.Fatalf("seed atom %s: %v", name, err)
	}
	return atom
}

// SeedConnection creates and stores a connection in the given state
func SeedConnection(t *testing.T, env *Env, atom *connection.Atom, remoteAtom string, state connection.State) *connection.Connection {
	t.Helper()
	conn := connection.New(NodeURI, atom.ID, remoteAtom, state)
	if err := env.Connections.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}

// Process runs one message through the pipeline on the given channel
func Process(t *testing.T, env *Env, channel string, msg *message.Message) *pipeline.Outcome {
	t.Helper()
	outcome, _ := env.Pipeline.Process(context.Background(), channel, msg)
	if outcome == nil {
		t.Fatalf("nil outcome for message %s", msg.ID)
	}
	return outcome
}
