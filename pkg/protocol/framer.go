package protocol

// Framer wraps obfuscated payloads for the wire. Requests go from client to
// server; responses carry packets back.
type Framer struct {
	mode    Mode
	path    string
	headers Headers
}

func NewRequestFramer(mode Mode, path string, headers Headers) *Framer {
	if path == "" {
		path = "/"
	}
	return &Framer{mode: mode, path: path, headers: headers}
}

func NewResponseFramer(mode Mode, headers Headers) *Framer {
	return &Framer{mode: mode, headers: headers}
}

func (f *Framer) Mode() Mode {
	return f.mode
}

// Open returns the header block that opens a stream: the request carrying the
// handshake, or the response carrying the tunnel address. bodyLen is only used
// in content-length mode.
func (f *Framer) Open(bodyLen int) []byte {
	if f.path != "" {
		return RequestHeader(f.path, f.headers, f.mode, bodyLen)
	}
	return ResponseHeader(200, f.headers, f.mode, bodyLen)
}

// Body wraps payload as the body that follows an Open header block.
func (f *Framer) Body(payload []byte) []byte {
	if f.mode == ModeChunked {
		return AppendChunk(nil, payload)
	}
	return payload
}

// Packet frames one obfuscated packet on an established stream. In chunked
// mode header is nil and body is a single chunk; in content-length mode every
// packet gets a full header block of its own.
func (f *Framer) Packet(payload []byte) (header, body []byte) {
	if f.mode == ModeChunked {
		return nil, AppendChunk(nil, payload)
	}
	if f.path != "" {
		return RequestHeader(f.path, f.headers, f.mode, len(payload)), payload
	}
	return ResponseHeader(200, nil, f.mode, len(payload)), payload
}
