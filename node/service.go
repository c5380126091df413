// Package node assembles the message processing service: the NATS client,
// the persistence layer, the pipeline and one bounded worker pool per
// inbound channel. The service owns component lifecycle; everything else
// is wiring.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tyriis/webofneeds/config"
	"github.com/tyriis/webofneeds/connection"
	"github.com/tyriis/webofneeds/dispatch"
	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/health"
	"github.com/tyriis/webofneeds/ledger"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/metric"
	"github.com/tyriis/webofneeds/natsclient"
	"github.com/tyriis/webofneeds/pipeline"
	"github.com/tyriis/webofneeds/pkg/worker"
	"github.com/tyriis/webofneeds/storage"
	"github.com/tyriis/webofneeds/verifier"
)

// Service is the running node
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	client   *natsclient.Client
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	health   *health.Monitor

	pipeline    *pipeline.Pipeline
	connections *connection.Store
	ledger      *ledger.Ledger

	pools     map[string]*worker.Pool[jetstream.Msg]
	consumers map[string]jetstream.ConsumeContext

	mu          sync.Mutex
	initialized bool
	started     bool
}

// New creates an uninitialized service from configuration
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.ErrMissingConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.With("component", "node"),
		health:    health.NewMonitor(),
		pools:     make(map[string]*worker.Pool[jetstream.Msg]),
		consumers: make(map[string]jetstream.ConsumeContext),
	}, nil
}

// Initialize connects to NATS, provisions streams and the KV bucket, and
// wires the pipeline. Idempotent; safe to call once before Start.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	s.registry = metric.NewMetricsRegistry()
	s.metrics = s.registry.CoreMetrics()

	if err := s.connectNATS(ctx); err != nil {
		return err
	}

	blobs, err := s.buildStorage(ctx)
	if err != nil {
		s.health.Update("storage", health.FromError("storage", err))
		return err
	}
	s.health.UpdateHealthy("storage", s.cfg.Storage.Mode)

	s.connections = connection.NewStore(blobs)
	s.ledger = ledger.New(blobs)

	ver, err := s.buildVerifier()
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(
		s.cfg.Node.URI,
		dispatch.NewNATSTransport(s.client),
		s.ledger,
		s.logger,
	)

	s.pipeline = pipeline.New(&pipeline.Deps{
		NodeURI:     s.cfg.Node.URI,
		Connections: s.connections,
		Ledger:      s.ledger,
		Verifier:    ver,
		Reactions:   pipeline.NewReactionRegistry(),
		Dispatcher:  dispatcher,
		Injector:    s,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})

	if _, err := s.client.EnsureStream(ctx, natsclient.StreamSpec{
		Name:     InboundStream,
		Subjects: []string{"won.in.>"},
	}); err != nil {
		return err
	}
	if _, err := s.client.EnsureStream(ctx, natsclient.StreamSpec{
		Name:     "WON_OUT",
		Subjects: []string{"won.out.>"},
	}); err != nil {
		return err
	}

	s.initialized = true
	s.logger.Info("node initialized", "node_uri", s.cfg.Node.URI)
	return nil
}

// Start launches the worker pools and begins consuming the inbound channels
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.ErrNotStarted
	}
	if s.started {
		return errors.ErrAlreadyStarted
	}

	for _, spec := range channelSpecs(s.cfg.Channels) {
		if err := s.startChannel(ctx, spec); err != nil {
			return err
		}
	}

	s.started = true
	s.logger.Info("node started", "channels", len(s.pools))
	return nil
}

// startChannel sets up the durable consumer and the worker pool for one
// inbound channel
func (s *Service) startChannel(ctx context.Context, spec channelSpec) error {
	consumer, err := s.client.EnsureConsumer(ctx, natsclient.ConsumerSpec{
		Stream:  InboundStream,
		Durable: "won-" + spec.name,
		Subject: spec.subject,
	})
	if err != nil {
		return err
	}

	pool := worker.NewPool(
		spec.consumers, spec.queueSize,
		func(ctx context.Context, msg jetstream.Msg) error {
			return s.handle(ctx, spec, msg)
		},
		worker.WithMetrics[jetstream.Msg](s.registry, "won_channel_"+spec.name),
	)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	s.pools[spec.name] = pool

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := pool.Submit(msg); err != nil {
			// Full queue: leave the message for redelivery after AckWait
			s.logger.Warn("channel queue full", "channel", spec.name)
			_ = msg.Nak()
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "node", "startChannel",
			fmt.Sprintf("consume %s", spec.subject))
	}
	s.consumers[spec.name] = cc
	s.health.UpdateHealthy("channel-"+spec.name, "consuming")
	return nil
}

// handle processes one delivery: decode, stamp the channel direction, run
// the pipeline and acknowledge according to the error class
func (s *Service) handle(ctx context.Context, spec channelSpec, delivery jetstream.Msg) error {
	msg, err := message.Decode(delivery.Data())
	if err != nil {
		// Undecodable payloads never become processable; drop them
		s.logger.Warn("dropping undecodable message",
			"channel", spec.name, "error", err)
		_ = delivery.Ack()
		return nil
	}

	s.stampDirection(spec, msg)

	_, perr := s.pipeline.Process(ctx, spec.name, msg)
	if perr != nil && errors.IsTransient(perr) {
		_ = delivery.Nak()
		return perr
	}
	// Committed, replayed or rejected with a failure response: done either way
	_ = delivery.Ack()
	return perr
}

// stampDirection enforces the direction implied by the channel. The node
// channel accepts both peer variants; everything else is overridden.
func (s *Service) stampDirection(spec channelSpec, msg *message.Message) {
	if spec.name == ChannelNode &&
		(msg.Direction == message.FromPeer || msg.Direction == message.FromExternal) {
		return
	}
	msg.Direction = spec.direction
}

// Inject publishes a node-generated message onto the system channel. It
// implements the pipeline's SystemInjector; cascades travel through the
// same at-least-once machinery as external messages.
func (s *Service) Inject(ctx context.Context, msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.client.PublishToStream(ctx, SubjectInSystem, data)
}

// Stop drains the consumers and worker pools and closes the NATS client
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if s.client != nil {
			s.client.Close()
		}
		return nil
	}

	for name, cc := range s.consumers {
		cc.Stop()
		delete(s.consumers, name)
	}

	var firstErr error
	for name, pool := range s.pools {
		if err := pool.Stop(timeout); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node: stop pool %s: %w", name, err)
		}
		delete(s.pools, name)
	}

	if s.client != nil {
		s.client.Close()
	}
	s.started = false
	s.logger.Info("node stopped")
	return firstErr
}

// Pipeline exposes the pipeline for in-process callers like the gateway
func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Registry exposes the metrics registry for the metrics endpoint
func (s *Service) Registry() *metric.MetricsRegistry {
	return s.registry
}

// Client exposes the shared NATS client for the gateway
func (s *Service) Client() *natsclient.Client {
	return s.client
}

// Health exposes the subsystem health monitor
func (s *Service) Health() *health.Monitor {
	return s.health
}

func (s *Service) connectNATS(ctx context.Context) error {
	nc := s.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(nc.Name),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithDisconnectCallback(func(err error) {
			s.metrics.NATSConnected.Set(0)
			msg := "disconnected"
			if err != nil {
				msg = health.Sanitize(err.Error())
			}
			s.health.UpdateUnhealthy("nats", msg)
		}),
		natsclient.WithReconnectCallback(func() {
			s.metrics.NATSConnected.Set(1)
			s.metrics.NATSReconnects.Inc()
			s.health.UpdateHealthy("nats", "reconnected")
		}),
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait))
	}
	if nc.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(nc.Timeout))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLSCert != "" {
		opts = append(opts, natsclient.WithTLS(nc.TLSCert, nc.TLSKey, nc.TLSCA))
	}

	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	s.client = client
	s.metrics.NATSConnected.Set(1)
	s.health.UpdateHealthy("nats", "connected")
	return nil
}

// buildStorage assembles the blob store per configuration: plain memory
// for tests, NATS KV fronted by an LRU cache otherwise
func (s *Service) buildStorage(ctx context.Context) (storage.Store, error) {
	if s.cfg.Storage.Mode == "memory" {
		return storage.NewMemoryStore(), nil
	}
	kv, err := s.client.EnsureKVBucket(ctx, s.cfg.Storage.Bucket)
	if err != nil {
		return nil, err
	}
	backend := storage.NewKVStore(kv)
	if s.cfg.Storage.CacheSize > 0 {
		return storage.NewCachedStore(backend, s.cfg.Storage.CacheSize)
	}
	return backend, nil
}

func (s *Service) buildVerifier() (verifier.Verifier, error) {
	switch s.cfg.Verifier.Mode {
	case config.VerifierModeHMAC:
		keys := make(map[string][]byte, len(s.cfg.Verifier.Keys))
		for sender, secret := range s.cfg.Verifier.Keys {
			keys[sender] = []byte(secret)
		}
		return verifier.NewHMACVerifier(keys), nil
	default:
		return verifier.AllowAll{}, nil
	}
}
