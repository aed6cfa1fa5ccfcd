package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/ipv4"

	"valx.pw/postern/internal/server"
	"valx.pw/postern/internal/tun"
	"valx.pw/postern/pkg/obfuscator"
	"valx.pw/postern/pkg/protocol"
)

var (
	testHandshakeKey = []byte("0123456789abcdef")
	testObfsKey      = []byte("confuse-me")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.TraceLevel)
	return logger
}

func testParams(t *testing.T, addr string, chunked bool) Params {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Params{
		ServerHost:     host,
		ServerPort:     uint16(port),
		SNIHost:        "cdn.example.com",
		RequestPath:    "/api/v2/sync",
		Chunked:        chunked,
		ExtraHeaders:   protocol.Headers{{Name: "Host", Value: "cdn.example.com"}},
		HandshakeKey:   testHandshakeKey,
		ObfuscationKey: testObfsKey,
		MaxPadding:     16,
		Identity:       protocol.Identity{Package: "com.example.app", Version: "1.2.3", SDKVersion: "34"},
		DialTimeout:    5 * time.Second,
	}
}

type testServer struct {
	srv   *server.Server
	addr  string
	local *tun.Queue
}

func startServer(t *testing.T, configure func(*server.Options)) *testServer {
	t.Helper()

	local := tun.NewQueue(16)
	opts := server.Options{
		HandshakeKey:   testHandshakeKey,
		ObfuscationKey: testObfsKey,
		MaxPadding:     16,
		Pool:           netip.MustParsePrefix("10.9.0.0/24"),
		Local:          local,
		Logger:         zaptest.NewLogger(t),
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := server.New(opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		local.Close()
	})

	return &testServer{srv: srv, addr: addr, local: local}
}

func ipPacket(t *testing.T, src, dst netip.Addr, payload string) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: 6,
		Src:      src.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	b, err := h.Marshal()
	require.NoError(t, err)
	return append(b, payload...)
}

type transitions struct {
	mu   sync.Mutex
	seen []State
}

func (r *transitions) observe(_, to State) {
	r.mu.Lock()
	r.seen = append(r.seen, to)
	r.mu.Unlock()
}

func (r *transitions) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seen...)
}

func TestSessionEndToEnd(t *testing.T) {
	for _, chunked := range []bool{true, false} {
		t.Run(protocol.ModeFor(chunked).String(), func(t *testing.T) {
			env := startServer(t, nil)
			rec := &transitions{}

			s, err := NewSession(testParams(t, env.addr, chunked), WithLogger(testLogger()), WithStateObserver(rec.observe))
			require.NoError(t, err)
			require.Equal(t, StateCreated, s.State())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			addr, err := s.Connect(ctx)
			require.NoError(t, err)
			require.Equal(t, "10.9.0.2", addr.String())
			require.Equal(t, addr, s.Address())
			require.Equal(t, "127.0.0.1", s.RemoteAddress().String())
			require.Equal(t, StateRelaying, s.State())

			local := tun.NewQueue(8)
			relayErr := make(chan error, 1)
			go func() { relayErr <- s.Relay(ctx, local) }()

			remote := netip.MustParseAddr("93.184.216.34")
			out := ipPacket(t, addr, remote, "GET / HTTP/1.1")
			local.Inject(tun.Packet{Data: out, Protocol: tun.ProtocolIPv4})

			select {
			case p := <-env.local.Written():
				require.Equal(t, out, p.Data)
			case <-time.After(5 * time.Second):
				t.Fatal("outbound packet never reached the server")
			}

			in := ipPacket(t, remote, addr, "HTTP/1.1 200 OK")
			env.local.Inject(tun.Packet{Data: in, Protocol: tun.ProtocolIPv4})

			select {
			case p := <-local.Written():
				require.Equal(t, in, p.Data)
				require.Equal(t, tun.ProtocolIPv4, p.Protocol)
			case <-time.After(5 * time.Second):
				t.Fatal("inbound packet never reached the local side")
			}

			require.NoError(t, s.Close())
			require.NoError(t, <-relayErr)
			require.Equal(t, StateClosed, s.State())
			require.Equal(t, []State{StateConnecting, StateHandshaking, StateRelaying, StateClosed}, rec.get())

			stats := s.Stats()
			require.Equal(t, uint64(1), stats.PacketsOut)
			require.Equal(t, uint64(1), stats.PacketsIn)
			require.Equal(t, uint64(len(out)), stats.BytesOut)
			require.Equal(t, uint64(len(in)), stats.BytesIn)
		})
	}
}

type fakeResolver map[string]string

func (r fakeResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	if ip, ok := r[host]; ok {
		return netip.MustParseAddr(ip), nil
	}
	return netip.Addr{}, errors.New("no such host")
}

func TestSessionUsesResolver(t *testing.T) {
	env := startServer(t, nil)
	p := testParams(t, env.addr, true)
	p.ServerHost = "vpn.example"

	s, err := NewSession(p, WithLogger(testLogger()), WithResolver(fakeResolver{"vpn.example": "127.0.0.1"}))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Connect(context.Background())
	require.NoError(t, err)

	unresolved, err := NewSession(p, WithLogger(testLogger()), WithResolver(fakeResolver{}))
	require.NoError(t, err)
	_, err = unresolved.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, unresolved.State())
}

// pipeDial hands the client one end of a net.Pipe and runs peer on the other.
func pipeDial(peer func(conn net.Conn)) DialFunc {
	return func(context.Context, string, string) (net.Conn, error) {
		client, srv := net.Pipe()
		go peer(srv)
		return client, nil
	}
}

// readHandshake consumes the opening request and returns its body.
func readHandshake(conn net.Conn, mode protocol.Mode) ([]byte, error) {
	var buf []byte
	deframer := protocol.NewDeframer(mode, 0)
	tmp := make([]byte, 4096)
	headerDone := mode == protocol.ModeContentLength

	for {
		n, err := conn.Read(tmp)
		if err != nil {
			return nil, err
		}
		data := tmp[:n]
		if !headerDone {
			buf = append(buf, data...)
			_, rest, ok := protocol.SplitHeaderBlock(buf)
			if !ok {
				continue
			}
			headerDone = true
			data = rest
		}
		frames, err := deframer.Feed(data)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
}

func newSessionWithPeer(t *testing.T, p Params, peer func(conn net.Conn), opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger()), WithDialFunc(pipeDial(peer))}, opts...)
	s, err := NewSession(p, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectHandsLeftoverBytesToRelay(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	obfs, err := obfuscator.New(testObfsKey, 16)
	require.NoError(t, err)

	packet := ipPacket(t, netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("10.0.0.5"), "early")
	handshake := make(chan *protocol.Identity, 1)

	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		frame, err := readHandshake(conn, protocol.ModeChunked)
		if err != nil {
			return
		}
		id, err := protocol.ParseHandshake(frame, testHandshakeKey, obfs)
		if err != nil {
			return
		}
		handshake <- id

		var resp []byte
		resp = append(resp, protocol.ResponseHeader(200, protocol.Headers{
			{Name: "Server", Value: "nginx"},
			{Name: "X-Access-From", Value: "10.0.0.5"},
		}, protocol.ModeChunked, 0)...)
		resp = protocol.AppendChunk(resp, obfs.Obfuscate(packet))
		conn.Write(resp)
		io.Copy(io.Discard, conn)
	})

	addr, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", addr.String())

	id := <-handshake
	require.Equal(t, "com.example.app", id.Package)
	require.Equal(t, "34", id.SDKVersion)

	local := tun.NewQueue(4)
	go s.Relay(context.Background(), local)

	select {
	case p := <-local.Written():
		require.Equal(t, packet, p.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("buffered packet was not delivered")
	}
}

type failingConn struct {
	net.Conn
	mu     sync.Mutex
	writes int
}

func (c *failingConn) Write([]byte) (int, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return 0, errors.New("broken pipe")
}

func TestHeaderWriteFailureSkipsBody(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	conn := &failingConn{Conn: client}

	s, err := NewSession(testParams(t, "192.0.2.1:443", true),
		WithLogger(testLogger()),
		WithDialFunc(func(context.Context, string, string) (net.Conn, error) { return conn, nil }),
	)
	require.NoError(t, err)

	_, err = s.Connect(context.Background())
	require.ErrorContains(t, err, "send handshake header")
	require.Equal(t, StateFailed, s.State())
	require.Equal(t, 1, conn.writes)
	require.Equal(t, err, s.Err())
}

func TestConnectFailsOnDialError(t *testing.T) {
	s, err := NewSession(testParams(t, "192.0.2.1:443", true),
		WithLogger(testLogger()),
		WithDialFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}),
	)
	require.NoError(t, err)

	_, err = s.Connect(context.Background())
	var dialErr DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, "192.0.2.1:443", dialErr.Addr)
	require.Equal(t, StateFailed, s.State())
}

func TestConnectFailsOnBadHandshakeKey(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	p.HandshakeKey = []byte("too short")

	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	_, err := s.Connect(context.Background())
	require.True(t, protocol.IsKind(err, protocol.KindEncryptionFailed))
	require.Equal(t, StateFailed, s.State())
}

func TestConnectWaitsForAccessHeader(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", false)
	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		if _, err := readHandshake(conn, protocol.ModeContentLength); err != nil {
			return
		}
		conn.Write(protocol.ResponseHeader(200, nil, protocol.ModeContentLength, 0))
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateFailed, s.State())
	require.False(t, s.Address().IsValid())
}

func TestConnectRejectsNonIPv4Address(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		if _, err := readHandshake(conn, protocol.ModeChunked); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nX-Access-From: fd00::2\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, protocol.ErrInvalidTunnelAddress)
	require.Equal(t, StateFailed, s.State())
}

func TestConnectEnforcesBufferLimit(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	p.MaxBuffer = 256
	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		if _, err := readHandshake(conn, protocol.ModeChunked); err != nil {
			return
		}
		filler := make([]byte, 1024)
		for i := range filler {
			filler[i] = 'a'
		}
		conn.Write(append([]byte("HTTP/1.1 200 OK\r\nX-Padding: "), filler...))
		io.Copy(io.Discard, conn)
	})

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, protocol.ErrBufferLimit)
	require.Equal(t, StateFailed, s.State())
}

func TestCloseDuringHandshake(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	handshaking := make(chan struct{})
	var once sync.Once

	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	}, WithStateObserver(func(_, to State) {
		if to == StateHandshaking {
			once.Do(func() { close(handshaking) })
		}
	}))

	go func() {
		<-handshaking
		s.Close()
	}()

	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Err())
}

func TestConnectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := NewSession(testParams(t, "192.0.2.1:443", true),
		WithLogger(testLogger()),
		WithDialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return nil, ctx.Err()
		}),
	)
	require.NoError(t, err)

	_, err = s.Connect(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateClosed, s.State())
}

func TestSessionLifecycleGuards(t *testing.T) {
	env := startServer(t, nil)
	s, err := NewSession(testParams(t, env.addr, true), WithLogger(testLogger()))
	require.NoError(t, err)

	require.ErrorIs(t, s.Relay(context.Background(), tun.NewQueue(1)), ErrNotRelaying)

	_, err = s.Connect(context.Background())
	require.NoError(t, err)
	_, err = s.Connect(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Connect(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, s.Relay(context.Background(), tun.NewQueue(1)), ErrNotRelaying)
	require.Equal(t, StateClosed, s.State())
}

func TestRelayEndsWhenServerCloses(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	s := newSessionWithPeer(t, p, func(conn net.Conn) {
		if _, err := readHandshake(conn, protocol.ModeChunked); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nX-Access-From: 10.0.0.9\r\nTransfer-Encoding: chunked\r\n\r\n"))
		conn.Close()
	})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	err = s.Relay(context.Background(), tun.NewQueue(1))
	require.Error(t, err)
	require.Equal(t, StateFailed, s.State())
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	env := startServer(t, nil)
	s, err := NewSession(testParams(t, env.addr, false), WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = s.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	relayErr := make(chan error, 1)
	go func() { relayErr <- s.Relay(ctx, tun.NewQueue(1)) }()
	cancel()

	require.ErrorIs(t, <-relayErr, context.Canceled)
	require.Equal(t, StateClosed, s.State())
}

func TestNewSessionValidates(t *testing.T) {
	p := testParams(t, "192.0.2.1:443", true)
	p.ObfuscationKey = nil
	_, err := NewSession(p)
	require.Error(t, err)

	p = testParams(t, "192.0.2.1:443", true)
	p.UseTLS = true
	p.Fingerprint = "netscape"
	_, err = NewSession(p)
	require.Error(t, err)
}
