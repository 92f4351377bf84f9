// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

// Package cliconfig reads and writes the client CLI configuration file.
package cliconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the client configuration for one device.
type Config struct {
	ServerURL    string   `toml:"server_url"`
	DeviceID     string   `toml:"device_id"`
	DatabasePath string   `toml:"database_path"`
	SyncInterval duration `toml:"sync_interval"`
}

// duration makes time.Duration round-trip through TOML as a string.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		ServerURL:    "http://localhost:8080",
		DeviceID:     deviceID,
		DatabasePath: filepath.Join(baseDir, "contacts.db"),
		SyncInterval: duration{30 * time.Second},
	}
}

// Interval returns the configured sync interval.
func (c *Config) Interval() time.Duration {
	return c.SyncInterval.Duration
}

// DefaultBaseDir returns the per-user data directory.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".rememberme"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	baseDir, err := DefaultBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "config.toml"), nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes a fresh config file, refusing to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return errors.New("config file already exists")
	}
	return writeToFile(path, cfg)
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	return m.Write(f, cfg)
}
