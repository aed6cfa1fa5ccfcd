package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"valx.pw/postern/pkg/protocol"
)

type Client struct {
	Server   EndpointConfig    `yaml:"server"`
	TLS      TLSConfig         `yaml:"tls"`
	HTTP     HTTPConfig        `yaml:"http"`
	Keys     KeyConfig         `yaml:"keys"`
	Identity protocol.Identity `yaml:"identity"`
	TUN      TUNConfig         `yaml:"tun"`
	DNS      DNSConfig         `yaml:"dns"`
	Session  SessionConfig     `yaml:"session"`
	Log      LogConfig         `yaml:"log"`
}

type EndpointConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

type TLSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SNI         string `yaml:"sni"`
	WildcardSNI bool   `yaml:"wildcard_sni"`
	Insecure    bool   `yaml:"insecure"`
	// Fingerprint selects a parroted ClientHello: chrome, firefox, safari,
	// ios, edge, randomized. Empty uses crypto/tls.
	Fingerprint string `yaml:"fingerprint"`
}

type HTTPConfig struct {
	Path    string  `yaml:"path"`
	Chunked bool    `yaml:"chunked"`
	Headers Headers `yaml:"headers"`
}

type KeyConfig struct {
	Handshake   Key   `yaml:"handshake"`
	Obfuscation Key   `yaml:"obfuscation"`
	MaxPadding  uint8 `yaml:"max_padding"`
}

type TUNConfig struct {
	Name         string   `yaml:"name"`
	MTU          int      `yaml:"mtu"`
	SubnetMask   string   `yaml:"subnet_mask"`
	DefaultRoute bool     `yaml:"default_route"`
	DNSServers   []string `yaml:"dns_servers"`
}

type DNSConfig struct {
	Bootstrap []string      `yaml:"bootstrap"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	MaxBufferBytes   int           `yaml:"max_buffer_bytes"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Reconnect        bool          `yaml:"reconnect"`
	MaxRetries       int           `yaml:"max_retries"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func LoadClient(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClient(data)
}

func ParseClient(data []byte) (*Client, error) {
	var cfg Client
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 443
	}
	if cfg.TLS.SNI == "" {
		cfg.TLS.SNI = cfg.Server.Host
	}
	if cfg.HTTP.Path == "" {
		cfg.HTTP.Path = "/"
	}
	if cfg.TUN.Name == "" {
		cfg.TUN.Name = "postern0"
	}
	if cfg.TUN.MTU == 0 {
		cfg.TUN.MTU = 1500
	}
	if cfg.TUN.SubnetMask == "" {
		cfg.TUN.SubnetMask = "255.255.255.0"
	}
	if cfg.DNS.Timeout == 0 {
		cfg.DNS.Timeout = 5 * time.Second
	}
	if cfg.Session.DialTimeout == 0 {
		cfg.Session.DialTimeout = 10 * time.Second
	}
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = 15 * time.Second
	}
	if cfg.Session.MaxRetries == 0 {
		cfg.Session.MaxRetries = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if !strings.HasPrefix(c.HTTP.Path, "/") {
		return fmt.Errorf("http.path must start with '/': %q", c.HTTP.Path)
	}
	switch len(c.Keys.Handshake) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("keys.handshake must be 16, 24 or 32 bytes, got %d", len(c.Keys.Handshake))
	}
	if len(c.Keys.Obfuscation) == 0 {
		return errors.New("keys.obfuscation is required")
	}
	if c.Session.MaxBufferBytes < 0 {
		return errors.New("session.max_buffer_bytes must not be negative")
	}
	for _, s := range c.TUN.DNSServers {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("tun.dns_servers: %w", err)
		}
	}
	return nil
}

// Key is raw key material. In YAML it is a plain string, or a string with a
// "base64:" or "hex:" prefix.
type Key []byte

func (k *Key) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(s, "base64:"):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*k = b
	case strings.HasPrefix(s, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*k = b
	default:
		*k = []byte(s)
	}
	return nil
}

// Headers decodes a YAML mapping while keeping its key order.
type Headers protocol.Headers

func (h *Headers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: headers must be a mapping", value.Line)
	}

	out := make(Headers, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var name, v string
		if err := value.Content[i].Decode(&name); err != nil {
			return err
		}
		if err := value.Content[i+1].Decode(&v); err != nil {
			return err
		}
		out = append(out, protocol.Header{Name: name, Value: v})
	}
	*h = out
	return nil
}
