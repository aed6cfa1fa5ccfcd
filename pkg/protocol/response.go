package protocol

import (
	"bytes"
	"net/netip"
)

// ResponseParser extracts the tunnel address assigned in the handshake
// response. Bytes after the header block belong to the deframer and are
// returned untouched once the address is known.
type ResponseParser struct {
	buf       []byte
	maxBuffer int
	headers   HeaderMap
}

func NewResponseParser(maxBuffer int) *ResponseParser {
	return &ResponseParser{maxBuffer: maxBuffer}
}

// Headers returns the last header block parsed, or nil.
func (p *ResponseParser) Headers() HeaderMap {
	return p.headers
}

// Feed accumulates p. It reports done once a header block carrying
// X-Access-From has been seen; rest holds the bytes that followed it. A header
// block without the address leaves the parser waiting.
func (p *ResponseParser) Feed(data []byte) (addr netip.Addr, rest []byte, done bool, err error) {
	p.buf = append(p.buf, data...)

	idx := bytes.Index(p.buf, headerTerminal)
	if idx < 0 {
		if p.maxBuffer > 0 && len(p.buf) > p.maxBuffer {
			return netip.Addr{}, nil, false, ErrBufferLimit
		}
		return netip.Addr{}, nil, false, nil
	}

	p.headers = ParseHeaderBlock(p.buf[:idx])
	value, ok := p.headers.Get(HeaderAccessFrom)
	if !ok {
		if p.maxBuffer > 0 && len(p.buf) > p.maxBuffer {
			return netip.Addr{}, nil, false, ErrBufferLimit
		}
		return netip.Addr{}, nil, false, nil
	}

	addr, err = ParseTunnelAddress(value)
	if err != nil {
		return netip.Addr{}, nil, false, err
	}

	rest = bytes.Clone(p.buf[idx+len(headerTerminal):])
	p.buf = nil
	return addr, rest, true, nil
}

func ParseTunnelAddress(value string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(value)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, ErrInvalidTunnelAddress
	}
	return addr, nil
}
