// Package config loads and validates the settings a Manager and its debug
// server are constructed from: transport address, TLS material, and the
// flow-control defaults handed to every transfer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/greenfield-labs/bulktransfer/internal/observability"
)

// Config holds all application configuration.
type Config struct {
	// Transport configuration
	GRPCAddr  string `json:"grpc_addr"`
	DebugAddr string `json:"debug_addr"`

	// Security configuration
	TLSEnabled bool   `json:"tls_enabled"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`

	// Flow-control defaults applied to every transfer of a Manager built
	// from this config.
	DefaultResponseTimeout time.Duration `json:"default_response_timeout"`
	MaxRetries             int           `json:"max_retries"`
	MaxBytesToReceive      uint64        `json:"max_bytes_to_receive"`
	MaxChunkSizeBytes      uint32        `json:"max_chunk_size_bytes"`
	ChunkDelayMicroseconds uint64        `json:"chunk_delay_microseconds"`

	// Logging configuration
	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// DefaultConfig returns the configuration a fresh install starts from.
func DefaultConfig() *Config {
	return &Config{
		GRPCAddr:               ":9090",
		DebugAddr:              ":8080",
		TLSEnabled:             false,
		DefaultResponseTimeout: 2 * time.Second,
		MaxRetries:             3,
		MaxBytesToReceive:      8192,
		MaxChunkSizeBytes:      1024,
		LogLevel:               "info",
	}
}

// LoadConfig loads configuration from a file or returns the default
// configuration if none exists yet.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".bulktransfer", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Save writes the configuration to path, or the default location if empty.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".bulktransfer", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a representation of the config safe to log: key material
// is never included, even as a path.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"grpc_addr":                c.GRPCAddr,
		"debug_addr":               c.DebugAddr,
		"tls_enabled":              c.TLSEnabled,
		"cert_file":                c.CertFile,
		"key_file":                 "***REDACTED***",
		"default_response_timeout": c.DefaultResponseTimeout,
		"max_retries":              c.MaxRetries,
		"max_bytes_to_receive":     c.MaxBytesToReceive,
		"max_chunk_size_bytes":     c.MaxChunkSizeBytes,
		"chunk_delay_microseconds": c.ChunkDelayMicroseconds,
		"log_level":                observability.RedactString(c.LogLevel),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = defaults.GRPCAddr
	}
	if cfg.DebugAddr == "" {
		cfg.DebugAddr = defaults.DebugAddr
	}
	if cfg.DefaultResponseTimeout == 0 {
		cfg.DefaultResponseTimeout = defaults.DefaultResponseTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxBytesToReceive == 0 {
		cfg.MaxBytesToReceive = defaults.MaxBytesToReceive
	}
	if cfg.MaxChunkSizeBytes == 0 {
		cfg.MaxChunkSizeBytes = defaults.MaxChunkSizeBytes
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
}

// Validate checks that a loaded configuration is usable before it's wired
// into a Manager.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.GRPCAddr == "" {
		return fmt.Errorf("config: grpc_addr must be set")
	}
	if c.TLSEnabled && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("config: tls_enabled requires both cert_file and key_file")
	}
	if c.MaxChunkSizeBytes == 0 {
		return fmt.Errorf("config: max_chunk_size_bytes must be nonzero")
	}
	return nil
}
