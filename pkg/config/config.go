// Package config defines the configuration structs for each layer of
// the transport and a YAML loader for the cmd/securewire driver,
// following the teacher's Default*Config constructor pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportConfig configures a Transport's dial behavior.
type TransportConfig struct {
	NoDelay bool `yaml:"no_delay"`
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{NoDelay: true}
}

// HandshakeConfig configures the SessionHandshake state machine.
type HandshakeConfig struct {
	AESKeySize    int           `yaml:"aes_key_size"`
	EchoSize      int           `yaml:"echo_size"`
	RSAKeyBits    int           `yaml:"rsa_key_bits"`
	ClockSkewTol  time.Duration `yaml:"clock_skew_tolerance"`
}

// DefaultHandshakeConfig returns the default handshake configuration:
// a 32-byte AES key, a 64-byte confirmation echo, and a 2048-bit RSA
// keypair, matching the sizes spec.md §4.5 names.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		AESKeySize:   32,
		EchoSize:     64,
		RSAKeyBits:   2048,
		ClockSkewTol: 0,
	}
}

// SessionConfig configures a ManagedSession's pipeline and keep-alive
// behavior.
type SessionConfig struct {
	CryptoParallelism int           `yaml:"crypto_parallelism"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// DefaultSessionConfig returns the default session configuration:
// inline (non-parallel) crypto, and the idle keep-alive policy from
// the original driver (poll every 15s, disconnect on no reply).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CryptoParallelism: 0,
		KeepAliveInterval: 15 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
}

// AcceptorConfig configures the Acceptor's listen socket and optional
// mDNS advertisement.
type AcceptorConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Advertise         bool   `yaml:"advertise"`
	ServiceInstance   string `yaml:"service_instance"`
	KeyPassphrase     string `yaml:"key_passphrase"`
	KeyPath           string `yaml:"key_path"`
}

// DefaultAcceptorConfig returns the default acceptor configuration.
func DefaultAcceptorConfig() AcceptorConfig {
	return AcceptorConfig{
		Host:            "0.0.0.0",
		Port:            0,
		Advertise:       false,
		ServiceInstance: "securewire",
	}
}

// Config aggregates every layer's configuration into the document
// cmd/securewire loads.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Session   SessionConfig   `yaml:"session"`
	Acceptor  AcceptorConfig  `yaml:"acceptor"`
}

// Default returns a Config built from each layer's Default*Config.
func Default() Config {
	return Config{
		Transport: DefaultTransportConfig(),
		Handshake: DefaultHandshakeConfig(),
		Session:   DefaultSessionConfig(),
		Acceptor:  DefaultAcceptorConfig(),
	}
}

// LoadFile reads a YAML document at path and overlays it onto the
// default configuration.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
