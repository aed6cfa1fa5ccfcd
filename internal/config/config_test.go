package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"valx.pw/postern/pkg/protocol"
)

const clientYAML = `
server:
  host: 203.0.113.10
  port: 8443
tls:
  enabled: true
  sni: "*.cdn.example.com"
  wildcard_sni: true
  fingerprint: chrome
http:
  path: /api/v2/sync
  chunked: true
  headers:
    Host: cdn.example.com
    User-Agent: okhttp/4.12.0
    Accept-Encoding: gzip
keys:
  handshake: "hex:000102030405060708090a0b0c0d0e0f"
  obfuscation: "base64:c2VjcmV0"
  max_padding: 32
identity:
  package: pw.valx.postern
  version: 1.2.3
  sdk: "33"
  country: NL
  language: nl
tun:
  dns_servers: [1.1.1.1, 9.9.9.9]
  default_route: true
session:
  handshake_timeout: 3s
  max_buffer_bytes: 1048576
`

func TestParseClient(t *testing.T) {
	cfg, err := ParseClient([]byte(clientYAML))
	require.NoError(t, err)

	require.Equal(t, "203.0.113.10", cfg.Server.Host)
	require.Equal(t, uint16(8443), cfg.Server.Port)
	require.True(t, cfg.TLS.WildcardSNI)
	require.Equal(t, "chrome", cfg.TLS.Fingerprint)
	require.True(t, cfg.HTTP.Chunked)
	require.Equal(t, Headers{
		{Name: "Host", Value: "cdn.example.com"},
		{Name: "User-Agent", Value: "okhttp/4.12.0"},
		{Name: "Accept-Encoding", Value: "gzip"},
	}, cfg.HTTP.Headers)
	require.Len(t, cfg.Keys.Handshake, 16)
	require.Equal(t, Key("secret"), cfg.Keys.Obfuscation)
	require.Equal(t, uint8(32), cfg.Keys.MaxPadding)
	require.Equal(t, protocol.Identity{
		Package: "pw.valx.postern", Version: "1.2.3", SDKVersion: "33", Country: "NL", Language: "nl",
	}, cfg.Identity)
	require.Equal(t, 3*time.Second, cfg.Session.HandshakeTimeout)
	require.Equal(t, 1<<20, cfg.Session.MaxBufferBytes)

	// defaults
	require.Equal(t, "postern0", cfg.TUN.Name)
	require.Equal(t, 1500, cfg.TUN.MTU)
	require.Equal(t, 10*time.Second, cfg.Session.DialTimeout)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestParseClientDefaultsSNIToHost(t *testing.T) {
	cfg, err := ParseClient([]byte(`
server: {host: vpn.example.net}
keys: {handshake: "0123456789abcdef0123456789abcdef", obfuscation: k}
`))
	require.NoError(t, err)
	require.Equal(t, "vpn.example.net", cfg.TLS.SNI)
	require.Equal(t, uint16(443), cfg.Server.Port)
	require.Equal(t, "/", cfg.HTTP.Path)
	require.Len(t, cfg.Keys.Handshake, 32)
}

func TestParseClientValidation(t *testing.T) {
	cases := map[string]string{
		"missing host":    `keys: {handshake: "0123456789abcdef", obfuscation: k}`,
		"bad key length":  "server: {host: h}\nkeys: {handshake: short, obfuscation: k}",
		"no obfs key":     `server: {host: h}` + "\n" + `keys: {handshake: "0123456789abcdef"}`,
		"relative path":   "server: {host: h}\nhttp: {path: api}\nkeys: {handshake: \"0123456789abcdef\", obfuscation: k}",
		"bad dns":         "server: {host: h}\ntun: {dns_servers: [nope]}\nkeys: {handshake: \"0123456789abcdef\", obfuscation: k}",
		"headers as list": "server: {host: h}\nhttp: {headers: [a, b]}\nkeys: {handshake: \"0123456789abcdef\", obfuscation: k}",
		"bad hex key":     "server: {host: h}\nkeys: {handshake: \"hex:zz\", obfuscation: k}",
	}
	for name, doc := range cases {
		_, err := ParseClient([]byte(doc))
		require.Error(t, err, name)
	}
}

func TestLoadServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:9443
keys: {handshake: "0123456789abcdef", obfuscation: k, max_padding: 8}
pool: 10.99.0.0/16
headers:
  Server: nginx
`), 0o600))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9443", cfg.Listen)
	require.Equal(t, "10.99.0.0/16", cfg.Pool)
	require.Equal(t, Headers{{Name: "Server", Value: "nginx"}}, cfg.Headers)
	require.Equal(t, "postern-srv0", cfg.TUN.Name)
}

func TestParseServerValidation(t *testing.T) {
	_, err := ParseServer([]byte(`keys: {handshake: "0123456789abcdef", obfuscation: k}
pool: 10.0.0.0/31`))
	require.Error(t, err)

	_, err = ParseServer([]byte(`keys: {handshake: "0123456789abcdef", obfuscation: k}
tls: {cert: a.pem}`))
	require.Error(t, err)

	_, err = ParseServer([]byte(`keys: {handshake: "0123456789abcdef", obfuscation: k}
pool: fd00::/64`))
	require.Error(t, err)
}
