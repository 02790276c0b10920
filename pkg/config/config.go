// Package config provides configuration loading and validation for a
// chatmesh node. Supports YAML files layered over built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one server node.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Peering       PeeringConfig       `yaml:"peering"`
	Routing       RoutingConfig       `yaml:"routing"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	// Name identifies this node on peer links; it must be unique
	// within the mesh.
	Name             string `yaml:"name"`
	ClientListenAddr string `yaml:"clientListenAddr"`
	PeerListenAddr   string `yaml:"peerListenAddr"`
}

type PeeringConfig struct {
	// InitialPeers are peer addresses dialed at startup. Dial failures
	// are retried with backoff, never fatal.
	InitialPeers []string `yaml:"initialPeers"`

	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int64 `yaml:"heartbeatTimeoutMs"`

	DialBackoffMinMs int64 `yaml:"dialBackoffMinMs"`
	DialBackoffMaxMs int64 `yaml:"dialBackoffMaxMs"`
}

type RoutingConfig struct {
	// DefaultTTL is the hop count stamped on envelopes and announces
	// originated by this node.
	DefaultTTL          int `yaml:"defaultTTL"`
	OutboundQueueLength int `yaml:"outboundQueueLength"`
	EventFeedLength     int `yaml:"eventFeedLength"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
}

// Default returns a Config with sensible defaults. Server.Name has no
// default: a mesh of nodes all named alike routes nothing sensibly.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ClientListenAddr: ":4000",
			PeerListenAddr:   ":4001",
		},
		Peering: PeeringConfig{
			HeartbeatIntervalMs: 2000,
			HeartbeatTimeoutMs:  6000,
			DialBackoffMinMs:    500,
			DialBackoffMaxMs:    15000,
		},
		Routing: RoutingConfig{
			DefaultTTL:          8,
			OutboundQueueLength: 64,
			EventFeedLength:     256,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9100",
			LogLevel:    "info",
		},
	}
}

// Load reads a YAML file layered over Default. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.ClientListenAddr == "" {
		return fmt.Errorf("server.clientListenAddr is required")
	}
	if c.Server.PeerListenAddr == "" {
		return fmt.Errorf("server.peerListenAddr is required")
	}
	if c.Routing.DefaultTTL <= 0 {
		return fmt.Errorf("routing.defaultTTL must be positive, got %d", c.Routing.DefaultTTL)
	}
	if c.Peering.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("peering.heartbeatIntervalMs must be positive, got %d", c.Peering.HeartbeatIntervalMs)
	}
	if c.Peering.HeartbeatTimeoutMs <= c.Peering.HeartbeatIntervalMs {
		return fmt.Errorf("peering.heartbeatTimeoutMs (%d) must exceed heartbeatIntervalMs (%d)",
			c.Peering.HeartbeatTimeoutMs, c.Peering.HeartbeatIntervalMs)
	}
	return nil
}

func (p PeeringConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
}

func (p PeeringConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutMs) * time.Millisecond
}

func (p PeeringConfig) DialBackoffMin() time.Duration {
	return time.Duration(p.DialBackoffMinMs) * time.Millisecond
}

func (p PeeringConfig) DialBackoffMax() time.Duration {
	return time.Duration(p.DialBackoffMaxMs) * time.Millisecond
}
