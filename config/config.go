// Package config loads and validates the node configuration. Configuration
// comes from a JSON file with environment variable overrides applied on
// top, so deployments can keep a checked-in base file and tune single
// values per instance.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Verifier mode constants
const (
	VerifierModeNone = "none" // accept everything, development only
	VerifierModeHMAC = "hmac" // shared-key HMAC signatures
)

// Config is the complete node configuration
type Config struct {
	Node     NodeConfig     `json:"node"`
	NATS     NATSConfig     `json:"nats"`
	Channels ChannelsConfig `json:"channels"`
	Storage  StorageConfig  `json:"storage"`
	Verifier VerifierConfig `json:"verifier"`
	Gateway  GatewayConfig  `json:"gateway"`
	Metrics  MetricsConfig  `json:"metrics"`
	Log      LogConfig      `json:"log"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	// URI is the public base URI of the node; all atom, connection and
	// message identifiers minted here live under it
	URI string `json:"uri" env:"WON_NODE_URI"`
}

// NATSConfig holds the connection settings for the NATS server
type NATSConfig struct {
	URL           string        `json:"url" env:"WON_NATS_URL"`
	Name          string        `json:"name,omitempty" env:"WON_NATS_NAME"`
	Username      string        `json:"username,omitempty" env:"WON_NATS_USERNAME"`
	Password      string        `json:"password,omitempty" env:"WON_NATS_PASSWORD"`
	Token         string        `json:"token,omitempty" env:"WON_NATS_TOKEN"`
	MaxReconnects int           `json:"max_reconnects,omitempty" env:"WON_NATS_MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" env:"WON_NATS_RECONNECT_WAIT"`
	Timeout       time.Duration `json:"timeout,omitempty" env:"WON_NATS_TIMEOUT"`
	TLSCert       string        `json:"tls_cert,omitempty" env:"WON_NATS_TLS_CERT"`
	TLSKey        string        `json:"tls_key,omitempty" env:"WON_NATS_TLS_KEY"`
	TLSCA         string        `json:"tls_ca,omitempty" env:"WON_NATS_TLS_CA"`
}

// ChannelConfig sizes one inbound channel's consumer
type ChannelConfig struct {
	Consumers int `json:"consumers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// ChannelsConfig sizes the four inbound channels
type ChannelsConfig struct {
	Owner   ChannelConfig `json:"owner"`
	Node    ChannelConfig `json:"node"`
	Matcher ChannelConfig `json:"matcher"`
	System  ChannelConfig `json:"system"`

	// OwnerConsumers overrides all channels at once when set, the common
	// case for sizing experiments
	DefaultConsumers int `json:"default_consumers,omitempty" env:"WON_CHANNEL_CONSUMERS"`
}

// StorageConfig selects and sizes the persistence layer
type StorageConfig struct {
	// Mode is "memory" for tests or "kv" for NATS KV persistence
	Mode        string `json:"mode,omitempty" env:"WON_STORAGE_MODE"`
	Bucket      string `json:"bucket,omitempty" env:"WON_STORAGE_BUCKET"`
	CacheSize   int    `json:"cache_size,omitempty" env:"WON_STORAGE_CACHE_SIZE"`
	HistorySize int    `json:"history_size,omitempty"`
}

// VerifierConfig selects signature verification for remote messages
type VerifierConfig struct {
	Mode string `json:"mode,omitempty" env:"WON_VERIFIER_MODE"`
	// Keys maps sender atom or node URIs to their shared HMAC secrets
	Keys map[string]string `json:"keys,omitempty"`
}

// GatewayConfig configures the websocket owner gateway
type GatewayConfig struct {
	Enabled bool   `json:"enabled,omitempty" env:"WON_GATEWAY_ENABLED"`
	Addr    string `json:"addr,omitempty" env:"WON_GATEWAY_ADDR"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty" env:"WON_METRICS_ENABLED"`
	Port    int    `json:"port,omitempty" env:"WON_METRICS_PORT"`
	Path    string `json:"path,omitempty" env:"WON_METRICS_PATH"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `json:"level,omitempty" env:"WON_LOG_LEVEL"`
	Format string `json:"format,omitempty" env:"WON_LOG_FORMAT"`
}

// Load reads the JSON file at path, applies environment overrides and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "won-node",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Channels: ChannelsConfig{
			Owner:   ChannelConfig{Consumers: 5, QueueSize: 256},
			Node:    ChannelConfig{Consumers: 5, QueueSize: 256},
			Matcher: ChannelConfig{Consumers: 5, QueueSize: 256},
			System:  ChannelConfig{Consumers: 5, QueueSize: 256},
		},
		Storage: StorageConfig{
			Mode:      "kv",
			Bucket:    "won-node",
			CacheSize: 4096,
		},
		Verifier: VerifierConfig{Mode: VerifierModeNone},
		Gateway:  GatewayConfig{Addr: ":8443"},
		Metrics:  MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

func (c *Config) applyDefaults() {
	if c.Channels.DefaultConsumers > 0 {
		c.Channels.Owner.Consumers = c.Channels.DefaultConsumers
		c.Channels.Node.Consumers = c.Channels.DefaultConsumers
		c.Channels.Matcher.Consumers = c.Channels.DefaultConsumers
		c.Channels.System.Consumers = c.Channels.DefaultConsumers
	}
	for _, ch := range []*ChannelConfig{
		&c.Channels.Owner, &c.Channels.Node, &c.Channels.Matcher, &c.Channels.System,
	} {
		if ch.Consumers <= 0 {
			ch.Consumers = 5
		}
		if ch.QueueSize <= 0 {
			ch.QueueSize = 256
		}
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "kv"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "won-node"
	}
	if c.Verifier.Mode == "" {
		c.Verifier.Mode = VerifierModeNone
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Node.URI == "" {
		return fmt.Errorf("config: node.uri is required")
	}
	if !strings.HasPrefix(c.Node.URI, "http://") && !strings.HasPrefix(c.Node.URI, "https://") {
		return fmt.Errorf("config: node.uri must be an absolute http(s) URI, got %q", c.Node.URI)
	}
	if strings.HasSuffix(c.Node.URI, "/") {
		return fmt.Errorf("config: node.uri must not end with a slash")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required")
	}
	switch c.Storage.Mode {
	case "memory", "kv":
	default:
		return fmt.Errorf("config: storage.mode must be memory or kv, got %q", c.Storage.Mode)
	}
	switch c.Verifier.Mode {
	case VerifierModeNone:
	case VerifierModeHMAC:
		if len(c.Verifier.Keys) == 0 {
			return fmt.Errorf("config: verifier.keys must not be empty in hmac mode")
		}
	default:
		return fmt.Errorf("config: verifier.mode must be none or hmac, got %q", c.Verifier.Mode)
	}
	return nil
}
