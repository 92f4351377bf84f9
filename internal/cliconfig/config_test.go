package cliconfig

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	cfg := NewConfig("device-123", "/tmp/rememberme")
	cfg.ServerURL = "https://sync.example.com"
	cfg.SyncInterval = duration{5 * time.Minute}

	var buf bytes.Buffer
	m := &Manager{}
	require.NoError(t, m.Write(&buf, cfg))

	got, err := m.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, "https://sync.example.com", got.ServerURL)
	require.Equal(t, "device-123", got.DeviceID)
	require.Equal(t, 5*time.Minute, got.Interval())
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := NewConfig("device-123", t.TempDir())

	require.NoError(t, Init(path, cfg))
	require.Error(t, Init(path, cfg), "init must never clobber an existing config")
}

func TestReadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := NewConfig("device-123", dir)
	require.NoError(t, Init(path, cfg))

	got, err := ReadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg.DeviceID, got.DeviceID)
	require.Equal(t, cfg.DatabasePath, got.DatabasePath)
	require.Equal(t, 30*time.Second, got.Interval())
}
