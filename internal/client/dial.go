package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// DialFunc opens the raw TCP connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// HostResolver maps the configured server host to an address to dial.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

type DialError struct {
	Addr  string
	Cause error
}

func (e DialError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %s", e.Addr, e.Cause.Error())
}

func (e DialError) Unwrap() error { return e.Cause }

const wildcardLabelLen = 5

// serverName returns the SNI for one connection attempt. With wildcard
// enabled a fresh random lowercase label is prepended to the host.
func serverName(host string, wildcard bool) string {
	if !wildcard {
		return host
	}

	label := make([]byte, wildcardLabelLen)
	for i := range label {
		label[i] = 'a' + byte(rand.IntN(26))
	}
	return string(label) + "." + strings.TrimLeft(host, "*.")
}

func helloID(fingerprint string) (utls.ClientHelloID, error) {
	switch strings.ToLower(fingerprint) {
	case "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "safari":
		return utls.HelloSafari_Auto, nil
	case "ios":
		return utls.HelloIOS_Auto, nil
	case "edge":
		return utls.HelloEdge_Auto, nil
	case "randomized":
		return utls.HelloRandomized, nil
	default:
		return utls.ClientHelloID{}, fmt.Errorf("unknown TLS fingerprint %q", fingerprint)
	}
}

func (s *Session) dialTransport(ctx context.Context) (net.Conn, error) {
	host := s.params.ServerHost
	if s.resolver != nil {
		addr, err := s.resolver.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		host = addr.String()
	}
	address := net.JoinHostPort(host, strconv.Itoa(int(s.params.ServerPort)))

	if s.params.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.params.DialTimeout)
		defer cancel()
	}

	raw, err := s.dial(ctx, "tcp", address)
	if err != nil {
		return nil, DialError{Addr: address, Cause: err}
	}
	if !s.params.UseTLS {
		return raw, nil
	}

	sni := serverName(s.params.SNIHost, s.params.WildcardSNI)
	s.logger.WithField("sni", sni).Debug("starting TLS")

	conn, err := s.handshakeTLS(ctx, raw, sni)
	if err != nil {
		raw.Close()
		return nil, DialError{Addr: address, Cause: err}
	}
	return conn, nil
}

func (s *Session) handshakeTLS(ctx context.Context, raw net.Conn, sni string) (net.Conn, error) {
	if s.params.Fingerprint == "" {
		conn := tls.Client(raw, &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: s.params.AllowInsecure,
			NextProtos:         []string{"http/1.1"},
			MinVersion:         tls.VersionTLS12,
		})
		if err := conn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	id, err := helloID(s.params.Fingerprint)
	if err != nil {
		return nil, err
	}

	conn := utls.UClient(raw, &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: s.params.AllowInsecure,
	}, id)
	if err := conn.BuildHandshakeState(); err != nil {
		return nil, err
	}

	// browsers offer h2 first; the tunnel speaks HTTP/1.1 only
	hasALPN := false
	for _, ext := range conn.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			hasALPN = true
			break
		}
	}
	if !hasALPN {
		conn.Extensions = append(conn.Extensions, &utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}})
	}
	if err := conn.BuildHandshakeState(); err != nil {
		return nil, err
	}

	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
