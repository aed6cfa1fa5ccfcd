package client

import (
	"context"
	"crypto/tls"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"valx.pw/postern/internal/server"
)

var wildcardPattern = regexp.MustCompile(`^[a-z]{5}\.example\.com$`)

func TestServerName(t *testing.T) {
	require.Equal(t, "cdn.example.com", serverName("cdn.example.com", false))

	seen := make(map[string]bool)
	for range 20 {
		name := serverName("*.example.com", true)
		require.Regexp(t, wildcardPattern, name)
		seen[name] = true

		require.Regexp(t, wildcardPattern, serverName("example.com", true))
	}
	require.Greater(t, len(seen), 1)
}

func TestHelloID(t *testing.T) {
	for _, name := range []string{"chrome", "Firefox", "safari", "ios", "edge", "randomized"} {
		_, err := helloID(name)
		require.NoError(t, err, name)
	}
	_, err := helloID("lynx")
	require.Error(t, err)
}

// selfSignedTLS borrows the httptest certificate and records the SNI of every
// ClientHello.
func selfSignedTLS(t *testing.T, sni *sniRecorder) func(*server.Options) {
	t.Helper()

	ts := httptest.NewUnstartedServer(nil)
	ts.StartTLS()
	cert := ts.TLS.Certificates[0]
	ts.Close()

	return func(opts *server.Options) {
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
			GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
				sni.add(hello.ServerName)
				return nil, nil
			},
		}
	}
}

type sniRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *sniRecorder) add(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *sniRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) == 0 {
		return ""
	}
	return r.names[len(r.names)-1]
}

func TestTLSRequiresValidCertificate(t *testing.T) {
	sni := &sniRecorder{}
	env := startServer(t, selfSignedTLS(t, sni))

	p := testParams(t, env.addr, true)
	p.UseTLS = true

	s, err := NewSession(p, WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = s.Connect(context.Background())
	var dialErr DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, StateFailed, s.State())
	require.Equal(t, "cdn.example.com", sni.last())
}

func TestTLSInsecureWithWildcardSNI(t *testing.T) {
	sni := &sniRecorder{}
	env := startServer(t, selfSignedTLS(t, sni))

	p := testParams(t, env.addr, true)
	p.UseTLS = true
	p.AllowInsecure = true
	p.WildcardSNI = true
	p.SNIHost = "*.example.com"

	s, err := NewSession(p, WithLogger(testLogger()))
	require.NoError(t, err)
	defer s.Close()

	addr, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, addr.Is4())
	require.Regexp(t, wildcardPattern, sni.last())
}

func TestTLSFingerprint(t *testing.T) {
	sni := &sniRecorder{}
	env := startServer(t, selfSignedTLS(t, sni))

	p := testParams(t, env.addr, false)
	p.UseTLS = true
	p.AllowInsecure = true
	p.Fingerprint = "chrome"

	s, err := NewSession(p, WithLogger(testLogger()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cdn.example.com", sni.last())
}
