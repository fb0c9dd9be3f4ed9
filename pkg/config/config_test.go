package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDaemonDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadDaemon("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.MaxClientsPerSession)
	assert.Equal(t, LogFormatHuman, cfg.LogFormat)
}

func TestLoadDaemonYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "daemon.yaml", "relay_url: wss://relay.example.com\nmachine_name: laptop\nmax_clients_per_session: 2\n")

	cfg, err := LoadDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com", cfg.RelayURL)
	assert.Equal(t, 2, cfg.MaxClientsPerSession)

	t.Setenv("TETHER_RELAY_URL", "wss://override.example.com")
	cfg, err = LoadDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://override.example.com", cfg.RelayURL, "env must win over the YAML value")
	assert.Equal(t, "laptop", cfg.MachineName, "fields without an env override keep the YAML value")
}

func TestLoadDaemonMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadDaemon(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxClientsPerSession)
}

func TestLoadDaemonMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "daemon.yaml", "relay_url: [unterminated\n")
	_, err := LoadDaemon(path)
	assert.Error(t, err)
}

func TestLoadRelayRejectsShortSigningKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "jwt_signing_key: tooshort\n")
	_, err := LoadRelay(path)
	assert.Error(t, err)
}

func TestLoadRelayAcceptsLongSigningKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "jwt_signing_key: 0123456789012345678901234567890123456789\n")
	cfg, err := LoadRelay(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshTTL)
}
