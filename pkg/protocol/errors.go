package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBufferLimit          = errors.New("parse buffer limit exceeded")
	ErrInvalidTunnelAddress = errors.New("tunnel address is not an IPv4 literal")
)

// HandshakeErrorKind separates configuration failures from peer failures so the
// caller knows whether retrying can help.
type HandshakeErrorKind uint8

const (
	KindEncryptionFailed HandshakeErrorKind = iota + 1
	KindSerializationFailed
	KindInvalidHandshake
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case KindEncryptionFailed:
		return "encryption failed"
	case KindSerializationFailed:
		return "serialization failed"
	case KindInvalidHandshake:
		return "invalid handshake"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type HandshakeError struct {
	Kind  HandshakeErrorKind
	Msg   string
	Inner error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Inner == nil {
		return "handshake: " + e.Msg
	}
	return "handshake: " + e.Msg + ": " + e.Inner.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Inner }

func newHandshakeError(kind HandshakeErrorKind, msg string, inner error) *HandshakeError {
	return &HandshakeError{Kind: kind, Msg: msg, Inner: inner}
}

func IsKind(err error, kind HandshakeErrorKind) bool {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// FrameError reports a byte stream that cannot be framed at all, as opposed to
// one that is merely incomplete.
type FrameError struct {
	Mode   Mode
	Reason string
	Cause  error
}

func (e FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed %s frame: %s: %s", e.Mode, e.Reason, e.Cause.Error())
	}
	return fmt.Sprintf("malformed %s frame: %s", e.Mode, e.Reason)
}

func (e FrameError) Unwrap() error { return e.Cause }
