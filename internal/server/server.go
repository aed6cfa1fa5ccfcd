package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"valx.pw/postern/internal/config"
	"valx.pw/postern/internal/tun"
	"valx.pw/postern/pkg/obfuscator"
	"valx.pw/postern/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	maxHeaderBytes   = 16 * 1024
	readBufferSize   = 64 * 1024
	outboundQueue    = 256
)

var errNotTunnel = errors.New("not a tunnel request")

// PacketIO is where packets for addresses outside the pool go, usually the
// server's TUN device.
type PacketIO interface {
	ReadPackets(ctx context.Context) ([]tun.Packet, error)
	WritePackets(packets []tun.Packet) error
}

type Options struct {
	HandshakeKey   []byte
	ObfuscationKey []byte
	MaxPadding     uint8
	Pool           netip.Prefix
	// Headers are sent with every handshake response, before X-Access-From.
	Headers   protocol.Headers
	MaxBuffer int
	TLSConfig *tls.Config
	Local     PacketIO
	Logger    *zap.Logger
}

func OptionsFromConfig(cfg *config.Server) (Options, error) {
	prefix, err := netip.ParsePrefix(cfg.Pool)
	if err != nil {
		return Options{}, fmt.Errorf("pool: %w", err)
	}

	opts := Options{
		HandshakeKey:   cfg.Keys.Handshake,
		ObfuscationKey: cfg.Keys.Obfuscation,
		MaxPadding:     cfg.Keys.MaxPadding,
		Pool:           prefix,
		Headers:        protocol.Headers(cfg.Headers),
		MaxBuffer:      cfg.MaxBufferBytes,
	}

	if cfg.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return Options{}, err
		}
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		}
	}
	return opts, nil
}

type Server struct {
	opts   Options
	obfs   *obfuscator.Obfuscator
	pool   *Pool
	logger *zap.Logger

	mu       sync.RWMutex
	clients  map[netip.Addr]*clientConn
	listener net.Listener
	cancel   context.CancelFunc
	closed   bool
}

type clientConn struct {
	id       string
	conn     net.Conn
	addr     netip.Addr
	outbound chan []byte
	done     chan struct{}
	logger   *zap.Logger
}

// send queues a packet for the client. Packets are dropped when the queue is
// full.
func (c *clientConn) send(packet []byte) {
	select {
	case c.outbound <- packet:
	case <-c.done:
	default:
		c.logger.Debug("outbound queue full, dropping packet")
	}
}

func New(opts Options) (*Server, error) {
	switch len(opts.HandshakeKey) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("handshake key must be 16, 24 or 32 bytes, got %d", len(opts.HandshakeKey))
	}

	obfs, err := obfuscator.New(opts.ObfuscationKey, opts.MaxPadding)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(opts.Pool)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		opts:    opts,
		obfs:    obfs,
		pool:    pool,
		logger:  logger,
		clients: make(map[netip.Addr]*clientConn),
	}, nil
}

func (s *Server) Pool() *Pool {
	return s.pool
}

func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or Stop is called. It
// returns once every connection handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("server started",
		zap.String("listen", ln.Addr().String()),
		zap.Bool("tls", s.opts.TLSConfig != nil),
		zap.String("pool", s.pool.Prefix().String()),
	)

	if s.opts.Local != nil {
		go s.routeLocal(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Stop closes the listener and every connection.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("server stopped")
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	closeOnStop := context.AfterFunc(ctx, func() { conn.Close() })
	defer closeOnStop()

	id := uuid.NewString()
	logger := s.logger.With(zap.String("conn", id), zap.String("remote", conn.RemoteAddr().String()))

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	mode, deframer, backlog, identity, err := s.readHandshake(conn)
	if err != nil {
		logger.Debug("handshake rejected", zap.Error(err))
		s.respondWithFakeHTTP(conn, 404)
		return
	}

	addr, err := s.pool.Acquire()
	if err != nil {
		logger.Warn("cannot assign address", zap.Error(err))
		s.respondWithFakeHTTP(conn, 503)
		return
	}
	defer s.pool.Release(addr)

	c := &clientConn{
		id:       id,
		conn:     conn,
		addr:     addr,
		outbound: make(chan []byte, outboundQueue),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("addr", addr.String())),
	}
	if !s.register(c) {
		return
	}
	defer s.unregister(c)

	// packets routed to c before the writer starts wait in its queue
	headers := slices.Clone(s.opts.Headers)
	headers.Add(protocol.HeaderAccessFrom, addr.String())
	if _, err := conn.Write(protocol.ResponseHeader(200, headers, mode, 0)); err != nil {
		c.logger.Debug("handshake response failed", zap.Error(err))
		return
	}
	conn.SetDeadline(time.Time{})

	c.logger.Info("client connected",
		zap.String("mode", mode.String()),
		zap.String("package", identity.Package),
		zap.String("version", identity.Version),
		zap.String("country", identity.Country),
	)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(connCtx)
	closeOnDone := context.AfterFunc(gctx, func() { conn.Close() })
	defer closeOnDone()

	g.Go(func() error {
		defer cancel()
		return s.readClient(c, deframer, backlog)
	})
	g.Go(func() error {
		return s.writeClient(gctx, c, protocol.NewResponseFramer(mode, nil))
	})

	if err := g.Wait(); err != nil {
		c.logger.Info("client disconnected", zap.Error(err))
		return
	}
	c.logger.Info("client disconnected")
}

// readHandshake reads the opening request and its first frame. Frames that
// arrived in the same reads are returned as backlog.
func (s *Server) readHandshake(conn net.Conn) (protocol.Mode, *protocol.Deframer, [][]byte, *protocol.Identity, error) {
	var (
		buf      []byte
		deframer *protocol.Deframer
		mode     protocol.Mode
		frames   [][]byte
	)
	tmp := make([]byte, readBufferSize)

	for len(frames) == 0 {
		n, err := conn.Read(tmp)
		if n > 0 {
			if deframer == nil {
				buf = append(buf, tmp[:n]...)
				block, rest, ok := protocol.SplitHeaderBlock(buf)
				if !ok {
					if len(buf) > maxHeaderBytes {
						return 0, nil, nil, nil, errNotTunnel
					}
				} else {
					if !bytes.HasPrefix(block, []byte("POST ")) {
						return 0, nil, nil, nil, errNotTunnel
					}
					mode = requestMode(protocol.ParseHeaderBlock(block))
					deframer = protocol.NewDeframer(mode, s.opts.MaxBuffer)

					// content-length mode repeats the header block for every
					// packet, so its deframer starts at the first one
					input := rest
					if mode == protocol.ModeContentLength {
						input = buf
					}
					var ferr error
					if frames, ferr = deframer.Feed(input); ferr != nil {
						return 0, nil, nil, nil, ferr
					}
					buf = nil
				}
			} else {
				var ferr error
				if frames, ferr = deframer.Feed(tmp[:n]); ferr != nil {
					return 0, nil, nil, nil, ferr
				}
			}
		}
		if len(frames) == 0 && err != nil {
			return 0, nil, nil, nil, err
		}
	}

	identity, err := protocol.ParseHandshake(frames[0], s.opts.HandshakeKey, s.obfs)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	return mode, deframer, frames[1:], identity, nil
}

func requestMode(headers protocol.HeaderMap) protocol.Mode {
	te, ok := headers.Get(protocol.HeaderTransferEncoding)
	return protocol.ModeFor(ok && strings.Contains(strings.ToLower(te), "chunked"))
}

func (s *Server) respondWithFakeHTTP(conn net.Conn, status int) {
	conn.Write(protocol.ResponseHeader(status, s.opts.Headers, protocol.ModeContentLength, 0))
}

func (s *Server) register(c *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.addr] = c
	return true
}

func (s *Server) unregister(c *clientConn) {
	s.mu.Lock()
	if s.clients[c.addr] == c {
		delete(s.clients, c.addr)
	}
	s.mu.Unlock()
	close(c.done)
}

// Clients returns the tunnel addresses currently connected.
func (s *Server) Clients() []netip.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]netip.Addr, 0, len(s.clients))
	for addr := range s.clients {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	return addrs
}

func (s *Server) readClient(c *clientConn, deframer *protocol.Deframer, backlog [][]byte) error {
	for _, frame := range backlog {
		s.routeFromClient(c, s.obfs.Deobfuscate(frame))
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := deframer.Feed(buf[:n])
			for _, frame := range frames {
				s.routeFromClient(c, s.obfs.Deobfuscate(frame))
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) writeClient(ctx context.Context, c *clientConn, framer *protocol.Framer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case packet := <-c.outbound:
			header, body := framer.Packet(s.obfs.Obfuscate(packet))
			if header != nil {
				if _, err := c.conn.Write(header); err != nil {
					return err
				}
			}
			if _, err := c.conn.Write(body); err != nil {
				return err
			}
		}
	}
}

func (s *Server) routeFromClient(c *clientConn, packet []byte) {
	h, err := ipv4.ParseHeader(packet)
	if err != nil || h.Version != ipv4.Version {
		c.logger.Debug("dropping non-IPv4 packet", zap.Int("len", len(packet)))
		return
	}

	src, _ := netip.AddrFromSlice(h.Src.To4())
	if src != c.addr {
		c.logger.Debug("dropping packet with foreign source", zap.String("src", src.String()))
		return
	}
	dst, _ := netip.AddrFromSlice(h.Dst.To4())

	if peer := s.lookup(dst); peer != nil {
		peer.send(packet)
		return
	}
	if s.opts.Local == nil {
		c.logger.Debug("no route", zap.String("dst", dst.String()))
		return
	}
	if err := s.opts.Local.WritePackets([]tun.Packet{{Data: packet, Protocol: tun.ProtocolIPv4}}); err != nil {
		c.logger.Warn("local write failed", zap.Error(err))
	}
}

func (s *Server) routeLocal(ctx context.Context) {
	for {
		packets, err := s.opts.Local.ReadPackets(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("local read failed", zap.Error(err))
			}
			return
		}

		for _, p := range packets {
			h, err := ipv4.ParseHeader(p.Data)
			if err != nil || h.Version != ipv4.Version {
				continue
			}
			dst, _ := netip.AddrFromSlice(h.Dst.To4())
			if peer := s.lookup(dst); peer != nil {
				peer.send(p.Data)
			}
		}
	}
}

func (s *Server) lookup(addr netip.Addr) *clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[addr]
}
