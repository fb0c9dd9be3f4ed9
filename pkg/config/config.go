// Package config loads the daemon and relay configuration surfaces: a
// YAML base file overridden by environment variables, layered with
// caarlos0/env on top of gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatHuman LogFormat = "human"
	LogFormatJSON  LogFormat = "json"
)

// Daemon is the daemon's configuration surface.
type Daemon struct {
	RelayURL             string        `yaml:"relay_url" env:"TETHER_RELAY_URL"`
	MachineID            string        `yaml:"machine_id" env:"TETHER_MACHINE_ID"`
	MachineName          string        `yaml:"machine_name" env:"TETHER_MACHINE_NAME"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"TETHER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxClientsPerSession int           `yaml:"max_clients_per_session" env:"TETHER_MAX_CLIENTS" envDefault:"5"`
	BroadcastCapacity    int           `yaml:"broadcast_capacity" env:"TETHER_BROADCAST_CAPACITY" envDefault:"256"`
	CACertPath           string        `yaml:"ca_cert_path" env:"TETHER_CA_CERT_PATH"`
	LogFormat            LogFormat     `yaml:"log_format" env:"TETHER_LOG_FORMAT" envDefault:"human"`
	MetricsEndpoint      string        `yaml:"metrics_endpoint" env:"TETHER_METRICS_ENDPOINT"`
	DBPath               string        `yaml:"db_path" env:"TETHER_DB_PATH" envDefault:"tether-daemon.db"`
	BearerToken          string        `yaml:"bearer_token" env:"TETHER_BEARER_TOKEN"`
	HealthAddr           string        `yaml:"health_addr" env:"TETHER_HEALTH_ADDR" envDefault:"127.0.0.1:9090"`
	AgentBinary          string        `yaml:"agent_binary" env:"TETHER_AGENT_BINARY" envDefault:"claude"`
	IdentityKeyPath      string        `yaml:"identity_key_path" env:"TETHER_IDENTITY_KEY_PATH" envDefault:"tether-daemon.identity"`
	SettingsPath         string        `yaml:"settings_path" env:"TETHER_SETTINGS_PATH" envDefault:"tether-settings.json"`
}

// TLSMode selects the relay's listener TLS posture.
type TLSMode string

const (
	TLSDisabled   TLSMode = "disabled"
	TLSDevSelf    TLSMode = "dev-self-signed"
	TLSCustom     TLSMode = "custom"
)

// Relay is the relay's configuration surface.
type Relay struct {
	ListenAddr          string        `yaml:"listen_addr" env:"TETHER_LISTEN_ADDR" envDefault:":8443"`
	TLSMode             TLSMode       `yaml:"tls_mode" env:"TETHER_TLS_MODE" envDefault:"disabled"`
	TLSCertPath         string        `yaml:"tls_cert_path" env:"TETHER_TLS_CERT_PATH"`
	TLSKeyPath          string        `yaml:"tls_key_path" env:"TETHER_TLS_KEY_PATH"`
	DBBackend           string        `yaml:"db_backend" env:"TETHER_DB_BACKEND" envDefault:"sqlite"`
	DBPath              string        `yaml:"db_path" env:"TETHER_DB_PATH" envDefault:"tether-relay.db"`
	PostgresDSN         string        `yaml:"postgres_dsn" env:"TETHER_POSTGRES_DSN"`
	JWTSigningKey       string        `yaml:"jwt_signing_key" env:"TETHER_JWT_SIGNING_KEY"`
	AccessTTL           time.Duration `yaml:"access_ttl" env:"TETHER_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL          time.Duration `yaml:"refresh_ttl" env:"TETHER_REFRESH_TTL" envDefault:"24h"`
	BufferDefaultTTL    time.Duration `yaml:"buffer_default_ttl" env:"TETHER_BUFFER_DEFAULT_TTL" envDefault:"24h"`
	MaxBufferedPerMach  int           `yaml:"max_buffered_per_machine" env:"TETHER_MAX_BUFFERED" envDefault:"1000"`
	LogFormat           LogFormat     `yaml:"log_format" env:"TETHER_LOG_FORMAT" envDefault:"human"`
	HealthAddr          string        `yaml:"health_addr" env:"TETHER_HEALTH_ADDR" envDefault:"127.0.0.1:9090"`
}

// LoadDaemon loads a Daemon config from the YAML file at path (if it
// exists) and then applies environment variable overrides.
func LoadDaemon(path string) (*Daemon, error) {
	cfg := &Daemon{}
	if err := loadYAMLIfExists(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse daemon env: %w", err)
	}
	return cfg, nil
}

// LoadRelay loads a Relay config from the YAML file at path (if it
// exists) and then applies environment variable overrides.
func LoadRelay(path string) (*Relay, error) {
	cfg := &Relay{}
	if err := loadYAMLIfExists(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse relay env: %w", err)
	}
	if cfg.JWTSigningKey != "" && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("config: jwt_signing_key must be at least 32 bytes")
	}
	return cfg, nil
}

func loadYAMLIfExists(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
