// Package config loads the relay's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the relay process configuration
type Config struct {
	// DevMode enables development mode (console logging, relaxed defaults)
	DevMode bool `yaml:"dev_mode"`

	// Listen configuration for the websocket edge
	Listen ListenConfig `yaml:"listen"`

	// NATS configuration for the cross-node signaling fabric
	NATS NATSConfig `yaml:"nats"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Call state machine configuration
	Calls CallConfig `yaml:"calls"`
}

// ListenConfig holds the HTTP/websocket listener settings
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig holds NATS connection settings. An empty URL disables the
// fabric, leaving the node standalone.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// StorageConfig holds SQLite settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CallConfig holds call lifecycle settings
type CallConfig struct {
	RingTimeoutSeconds int `yaml:"ring_timeout_seconds"`
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Listen: ListenConfig{
			Addr: ":8443",
		},
		NATS: NATSConfig{
			URL:             "",
			CredentialsFile: "",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Storage: StorageConfig{
			Path: "/var/lib/callrelay/calls.db",
		},
		Calls: CallConfig{
			RingTimeoutSeconds: 60,
		},
	}
}
