package protocol

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderAccessFrom       = "X-Access-From"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
)

var (
	crlf           = []byte("\r\n")
	headerTerminal = []byte("\r\n\r\n")
)

// Mode selects how payloads are framed for the whole session, in both directions.
type Mode uint8

const (
	ModeContentLength Mode = iota
	ModeChunked
)

func ModeFor(chunked bool) Mode {
	if chunked {
		return ModeChunked
	}
	return ModeContentLength
}

func (m Mode) String() string {
	if m == ModeChunked {
		return "chunked"
	}
	return "content-length"
}

type Header struct {
	Name  string
	Value string
}

// Headers keeps extra request headers in the order they were configured.
type Headers []Header

func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// HeaderMap is a parsed header block. Keys keep their original case and the
// last occurrence of a duplicate wins.
type HeaderMap map[string]string

func (m HeaderMap) Get(name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// ParseHeaderBlock parses the bytes preceding "\r\n\r\n". Lines without a colon,
// such as the request or status line, are skipped.
func ParseHeaderBlock(block []byte) HeaderMap {
	headers := make(HeaderMap)
	for _, line := range bytes.Split(block, crlf) {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(string(line[:idx]))
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(string(line[idx+1:]))
	}
	return headers
}

// SplitHeaderBlock separates a complete header block from the bytes after
// it. ok is false until the terminating blank line has arrived.
func SplitHeaderBlock(buf []byte) (block, rest []byte, ok bool) {
	idx := bytes.Index(buf, headerTerminal)
	if idx < 0 {
		return nil, nil, false
	}
	return buf[:idx], buf[idx+len(headerTerminal):], true
}

func RequestHeader(path string, headers Headers, mode Mode, contentLength int) []byte {
	var b bytes.Buffer
	b.WriteString("POST ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	writeHeaders(&b, headers, mode, contentLength)
	return b.Bytes()
}

func ResponseHeader(status int, headers Headers, mode Mode, contentLength int) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" ")
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\n")
	writeHeaders(&b, headers, mode, contentLength)
	return b.Bytes()
}

func writeHeaders(b *bytes.Buffer, headers Headers, mode Mode, contentLength int) {
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	if mode == ModeChunked {
		b.WriteString(HeaderTransferEncoding)
		b.WriteString(": chunked\r\n")
	} else {
		b.WriteString(HeaderContentLength)
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(contentLength))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
}

// AppendChunk appends payload to dst as one HTTP chunk.
func AppendChunk(dst, payload []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 16)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	return append(dst, crlf...)
}

// TerminalChunk ends a chunked body.
func TerminalChunk() []byte {
	return []byte("0\r\n\r\n")
}
