package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Listen string          `yaml:"listen"`
	TLS    ServerTLSConfig `yaml:"tls"`
	Keys   KeyConfig       `yaml:"keys"`
	Pool   string          `yaml:"pool"`
	TUN    TUNConfig       `yaml:"tun"`
	// Headers are added to every handshake response.
	Headers        Headers   `yaml:"headers"`
	MaxBufferBytes int       `yaml:"max_buffer_bytes"`
	Log            LogConfig `yaml:"log"`
}

type ServerTLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

func LoadServer(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServer(data)
}

func ParseServer(data []byte) (*Server, error) {
	var cfg Server
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Listen == "" {
		cfg.Listen = ":443"
	}
	if cfg.Pool == "" {
		cfg.Pool = "10.10.0.0/24"
	}
	if cfg.TUN.Name == "" {
		cfg.TUN.Name = "postern-srv0"
	}
	if cfg.TUN.MTU == 0 {
		cfg.TUN.MTU = 1500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Server) Validate() error {
	if (s.TLS.Cert == "") != (s.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	switch len(s.Keys.Handshake) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("keys.handshake must be 16, 24 or 32 bytes, got %d", len(s.Keys.Handshake))
	}
	if len(s.Keys.Obfuscation) == 0 {
		return errors.New("keys.obfuscation is required")
	}
	prefix, err := netip.ParsePrefix(s.Pool)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return fmt.Errorf("pool must be an IPv4 prefix of /30 or wider: %s", s.Pool)
	}
	return nil
}
