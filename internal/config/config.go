// Package config holds the JSON configuration shared by the host binary and
// the worker process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ServerConfig configures the worker-side transport
type ServerConfig struct {
	// Host is the interface the listeners bind to; the transport is meant
	// for the loopback interface only.
	Host string `json:"host"`
	// BasePort is the first port probed for the HTTP/WebSocket listener
	BasePort int `json:"base_port"`
	// PortWindow is how many consecutive ports are probed
	PortWindow int `json:"port_window"`
}

// WorkerConfig configures the host-side worker connection
type WorkerConfig struct {
	// Command is the worker executable; defaults to hostlink-worker on PATH
	Command string `json:"command"`
	// Args are extra arguments passed to the worker executable
	Args []string `json:"args,omitempty"`
	// DisplayName tags forwarded worker log lines
	DisplayName string `json:"display_name"`
	// ConnectTimeoutSeconds bounds the wait for worker readiness
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`
	// DomainLoadTimeoutSeconds bounds the wait for a domain load
	DomainLoadTimeoutSeconds int `json:"domain_load_timeout_seconds"`
	// WatchExecutable restarts the worker when its binary changes
	WatchExecutable bool `json:"watch_executable"`
	// Domains are module paths the host loads right after connecting
	Domains []string `json:"domains,omitempty"`
}

// LogConfig configures the logging facade
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path,omitempty"`
}

// Config is the root configuration
type Config struct {
	Server ServerConfig `json:"server"`
	Worker WorkerConfig `json:"worker"`
	Log    LogConfig    `json:"log"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			BasePort:   8123,
			PortWindow: 1000,
		},
		Worker: WorkerConfig{
			Command:                  "hostlink-worker",
			DisplayName:              "worker",
			ConnectTimeoutSeconds:    10,
			DomainLoadTimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a config file, filling missing fields with defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults restores defaults for fields an explicit config zeroed out
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.BasePort <= 0 {
		c.Server.BasePort = defaults.Server.BasePort
	}
	if c.Server.PortWindow <= 0 {
		c.Server.PortWindow = defaults.Server.PortWindow
	}
	if c.Worker.Command == "" {
		c.Worker.Command = defaults.Worker.Command
	}
	if c.Worker.DisplayName == "" {
		c.Worker.DisplayName = defaults.Worker.DisplayName
	}
	if c.Worker.ConnectTimeoutSeconds <= 0 {
		c.Worker.ConnectTimeoutSeconds = defaults.Worker.ConnectTimeoutSeconds
	}
	if c.Worker.DomainLoadTimeoutSeconds <= 0 {
		c.Worker.DomainLoadTimeoutSeconds = defaults.Worker.DomainLoadTimeoutSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// ConnectTimeout returns the worker connect timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Worker.ConnectTimeoutSeconds) * time.Second
}

// DomainLoadTimeout returns the domain load timeout as a duration
func (c *Config) DomainLoadTimeout() time.Duration {
	return time.Duration(c.Worker.DomainLoadTimeoutSeconds) * time.Second
}
