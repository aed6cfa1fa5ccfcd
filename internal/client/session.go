package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"valx.pw/postern/internal/tun"
	"valx.pw/postern/pkg/obfuscator"
	"valx.pw/postern/pkg/protocol"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotRelaying    = errors.New("session is not ready to relay")
)

const readBufferSize = 64 * 1024

// PacketIO is the local side of the tunnel, usually a TUN device.
type PacketIO interface {
	ReadPackets(ctx context.Context) ([]tun.Packet, error)
	WritePackets(packets []tun.Packet) error
}

type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
}

type Option func(*Session)

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.baseLogger = logger
		}
	}
}

func WithDialFunc(dial DialFunc) Option {
	return func(s *Session) {
		if dial != nil {
			s.dial = dial
		}
	}
}

func WithResolver(r HostResolver) Option {
	return func(s *Session) {
		s.resolver = r
	}
}

// WithStateObserver registers fn for every lifecycle transition. fn runs on
// the goroutine that caused the transition and must not block.
func WithStateObserver(fn func(from, to State)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// Session is one tunnel connection. It never reconnects; a failed or closed
// session is discarded and the caller builds a new one.
type Session struct {
	id         string
	params     Params
	obfs       *obfuscator.Obfuscator
	framer     *protocol.Framer
	baseLogger *logrus.Logger
	logger     *logrus.Entry
	dial       DialFunc
	resolver   HostResolver
	observer   func(from, to State)

	mu           sync.Mutex
	state        State
	conn         net.Conn
	address      netip.Addr
	remote       netip.Addr
	pending      []byte
	failure      error
	relayStarted bool

	stats struct {
		inPackets  atomic.Uint64
		outPackets atomic.Uint64
		inBytes    atomic.Uint64
		outBytes   atomic.Uint64
	}
}

func NewSession(p Params, opts ...Option) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid session parameters: %w", err)
	}

	obfs, err := obfuscator.New(p.ObfuscationKey, p.MaxPadding)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.NewString(),
		params:     p,
		obfs:       obfs,
		framer:     protocol.NewRequestFramer(p.Mode(), p.RequestPath, p.ExtraHeaders),
		baseLogger: logrus.StandardLogger(),
		dial:       (&net.Dialer{}).DialContext,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.baseLogger.WithFields(logrus.Fields{
		"session": s.id,
		"server":  net.JoinHostPort(p.ServerHost, strconv.Itoa(int(p.ServerPort))),
	})
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the tunnel address assigned by the server, or the zero
// value before the handshake completes.
func (s *Session) Address() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// RemoteAddress is the IP of the server the session is connected to.
func (s *Session) RemoteAddress() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Err returns the error that moved the session to Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) Stats() Stats {
	return Stats{
		PacketsIn:  s.stats.inPackets.Load(),
		PacketsOut: s.stats.outPackets.Load(),
		BytesIn:    s.stats.inBytes.Load(),
		BytesOut:   s.stats.outBytes.Load(),
	}
}

// Connect dials the server, sends the handshake and waits for the tunnel
// address. On success the session is Relaying.
func (s *Session) Connect(ctx context.Context) (netip.Addr, error) {
	if !s.setState(StateConnecting) {
		if s.State().Terminal() {
			return netip.Addr{}, ErrSessionClosed
		}
		return netip.Addr{}, ErrAlreadyStarted
	}

	if _, err := s.onTransport(ctx, transportSetup, nil); err != nil {
		return netip.Addr{}, err
	}
	if _, err := s.onTransport(ctx, transportWaiting, nil); err != nil {
		return netip.Addr{}, err
	}

	conn, err := s.dialTransport(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return s.onTransport(ctx, transportCancelled, ctx.Err())
		}
		return s.onTransport(ctx, transportFailed, err)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		conn.Close()
		return netip.Addr{}, ErrSessionClosed
	}
	s.conn = conn
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.remote = tcp.AddrPort().Addr().Unmap()
	}
	s.mu.Unlock()

	if _, err := s.onTransport(ctx, transportPreparing, nil); err != nil {
		return netip.Addr{}, err
	}
	return s.onTransport(ctx, transportReady, nil)
}

// onTransport reacts to progress of the underlying connection. Only ready
// starts the handshake.
func (s *Session) onTransport(ctx context.Context, ts transportState, cause error) (netip.Addr, error) {
	s.logger.WithField("transport", ts.String()).Debug("transport state changed")

	switch ts {
	case transportSetup, transportWaiting, transportPreparing:
		if s.State().Terminal() {
			return netip.Addr{}, ErrSessionClosed
		}
		return netip.Addr{}, nil
	case transportReady:
		return s.handshake(ctx)
	case transportFailed:
		return netip.Addr{}, s.terminate(StateFailed, cause)
	case transportCancelled:
		return netip.Addr{}, s.terminate(StateClosed, cause)
	default:
		return netip.Addr{}, s.terminate(StateFailed, fmt.Errorf("unexpected transport state %d", ts))
	}
}

func (s *Session) handshake(ctx context.Context) (netip.Addr, error) {
	if !s.setState(StateHandshaking) {
		return netip.Addr{}, ErrSessionClosed
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	hs, err := protocol.BuildHandshake(s.framer, s.params.Identity, s.params.HandshakeKey, s.obfs)
	if err != nil {
		return netip.Addr{}, s.terminate(StateFailed, err)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(hs.Header); err != nil {
		return netip.Addr{}, s.abort(ctx, fmt.Errorf("send handshake header: %w", err))
	}
	if _, err := conn.Write(hs.Body); err != nil {
		return netip.Addr{}, s.abort(ctx, fmt.Errorf("send handshake body: %w", err))
	}

	parser := protocol.NewResponseParser(s.params.MaxBuffer)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			addr, rest, done, perr := parser.Feed(buf[:n])
			if perr != nil {
				return netip.Addr{}, s.abort(ctx, fmt.Errorf("handshake response: %w", perr))
			}
			if done {
				if !stop() {
					return netip.Addr{}, s.abort(ctx, ctx.Err())
				}
				return s.established(addr, rest)
			}
		}
		if err != nil {
			return netip.Addr{}, s.abort(ctx, fmt.Errorf("read handshake response: %w", err))
		}
	}
}

func (s *Session) established(addr netip.Addr, rest []byte) (netip.Addr, error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return netip.Addr{}, ErrSessionClosed
	}
	s.address = addr
	s.pending = rest
	s.mu.Unlock()

	if !s.setState(StateRelaying) {
		return netip.Addr{}, ErrSessionClosed
	}

	s.logger.WithFields(logrus.Fields{
		"addr":     addr.String(),
		"buffered": len(rest),
	}).Info("tunnel established")
	return addr, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	s.notify(from, StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return true
}

// terminate moves the session to a terminal state and closes the connection.
// If the session already ended, the original outcome wins.
func (s *Session) terminate(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if from.Terminal() {
		failure := s.failure
		s.mu.Unlock()
		if from == StateClosed {
			return ErrSessionClosed
		}
		return failure
	}
	s.state = to
	if to == StateFailed {
		s.failure = cause
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if to == StateFailed {
		s.logger.WithError(cause).Warn("session failed")
	}
	s.notify(from, to)
	return cause
}

// abort ends the handshake after an I/O error. A cancelled context closes the
// session, a deadline fails it.
func (s *Session) abort(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return s.terminate(StateClosed, ctxErr)
		}
		err = fmt.Errorf("handshake: %w", ctxErr)
	}
	return s.terminate(StateFailed, err)
}

func (s *Session) notify(from, to State) {
	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("session state changed")
	if s.observer != nil {
		s.observer(from, to)
	}
}
