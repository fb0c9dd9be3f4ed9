package relay

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/tetherline/tether/pkg/config"
)

// BuildTLSConfig constructs the relay listener's TLS posture from
// config.Relay.TLSMode. TLSDisabled returns (nil, nil): the caller
// serves plain HTTP, appropriate only behind a trusted reverse proxy. No
// certificate-generation utility lives here; custom mode only loads
// files the operator already produced.
func BuildTLSConfig(cfg *config.Relay) (*tls.Config, error) {
	switch cfg.TLSMode {
	case config.TLSDisabled, "":
		return nil, nil
	case config.TLSDevSelf:
		cert, err := generateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("relay: generate dev self-signed cert: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case config.TLSCustom:
		if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
			return nil, fmt.Errorf("relay: tls_mode=custom requires tls_cert_path and tls_key_path")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("relay: load tls key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	default:
		return nil, fmt.Errorf("relay: unknown tls_mode %q", cfg.TLSMode)
	}
}

// generateSelfSigned backs dev-self-signed mode. It generates no
// certificate: it always returns an error pointing at tls_mode=custom, so
// dev-self-signed mode never yields a TLS config.
func generateSelfSigned() (tls.Certificate, error) {
	return tls.Certificate{}, fmt.Errorf("relay: dev-self-signed TLS requires the standalone cert-gen dev utility; use tls_mode=custom with a real certificate")
}

// LoadCACertPool loads a PEM-encoded CA bundle from path, used by the
// daemon when dialing a relay with ca_cert_path set.
func LoadCACertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("relay: no certificates parsed from %s", path)
	}
	return pool, nil
}
