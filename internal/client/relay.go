package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"valx.pw/postern/internal/tun"
	"valx.pw/postern/pkg/protocol"
)

// Relay moves packets between local and the tunnel until either direction
// stops. It returns nil after Close, the context error after cancellation and
// the failure otherwise. Relay may be called once per session.
func (s *Session) Relay(ctx context.Context, local PacketIO) error {
	s.mu.Lock()
	if s.state != StateRelaying || s.relayStarted {
		s.mu.Unlock()
		return ErrNotRelaying
	}
	s.relayStarted = true
	conn := s.conn
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(relayCtx, func() {
		conn.Close()
	})
	defer stop()

	s.logger.Debug("relay started")

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.pumpOutbound(relayCtx, conn, local)
	}()
	go func() {
		errCh <- s.pumpInbound(conn, local, pending)
	}()

	// the other direction notices the closed connection or the cancelled
	// context on its own
	err := <-errCh
	cancel()

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.terminate(StateClosed, ctxErr)
		return ctxErr
	}
	if err == nil {
		err = errors.New("relay stopped")
	}
	if terr := s.terminate(StateFailed, err); errors.Is(terr, ErrSessionClosed) {
		return nil
	}
	return err
}

func (s *Session) pumpOutbound(ctx context.Context, conn net.Conn, local PacketIO) error {
	for {
		packets, err := local.ReadPackets(ctx)
		if err != nil {
			return fmt.Errorf("read local packets: %w", err)
		}

		for _, p := range packets {
			if len(p.Data) == 0 {
				continue
			}
			header, body := s.framer.Packet(s.obfs.Obfuscate(p.Data))
			if header != nil {
				if _, err := conn.Write(header); err != nil {
					return fmt.Errorf("send packet header: %w", err)
				}
			}
			if _, err := conn.Write(body); err != nil {
				return fmt.Errorf("send packet: %w", err)
			}

			s.stats.outPackets.Add(1)
			s.stats.outBytes.Add(uint64(len(p.Data)))
			s.trace("outbound", p.Data)
		}
	}
}

func (s *Session) pumpInbound(conn net.Conn, local PacketIO, pending []byte) error {
	deframer := protocol.NewDeframer(s.params.Mode(), s.params.MaxBuffer)

	if len(pending) > 0 {
		if err := s.deliver(deframer, pending, local); err != nil {
			return err
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if derr := s.deliver(deframer, buf[:n], local); derr != nil {
				return derr
			}
		}
		if err != nil {
			return fmt.Errorf("read tunnel: %w", err)
		}
	}
}

func (s *Session) deliver(deframer *protocol.Deframer, data []byte, local PacketIO) error {
	frames, err := deframer.Feed(data)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	packets := make([]tun.Packet, 0, len(frames))
	for _, frame := range frames {
		payload := s.obfs.Deobfuscate(frame)
		if len(payload) == 0 {
			continue
		}
		packets = append(packets, tun.Packet{Data: payload, Protocol: tun.ProtocolIPv4})
		s.stats.inPackets.Add(1)
		s.stats.inBytes.Add(uint64(len(payload)))
		s.trace("inbound", payload)
	}
	if len(packets) == 0 {
		return nil
	}

	if err := local.WritePackets(packets); err != nil {
		return fmt.Errorf("write local packets: %w", err)
	}
	return nil
}

func (s *Session) trace(direction string, packet []byte) {
	if !s.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}

	h, err := ipv4.ParseHeader(packet)
	if err != nil || h.Version != ipv4.Version {
		s.logger.WithFields(logrus.Fields{
			"direction": direction,
			"len":       len(packet),
		}).Trace("non-IPv4 packet")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"direction": direction,
		"src":       h.Src.String(),
		"dst":       h.Dst.String(),
		"proto":     h.Protocol,
		"len":       h.TotalLen,
	}).Trace("packet")
}
