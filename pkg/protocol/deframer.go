package protocol

import (
	"bytes"
	"strconv"
)

// Deframer turns an arbitrarily fragmented byte stream into the obfuscated
// payloads it carries. It is owned by a single reader and is not safe for
// concurrent use.
type Deframer struct {
	mode      Mode
	buf       []byte
	maxBuffer int

	// content-length mode
	parsingBody bool
	expected    int
}

// NewDeframer returns a deframer for mode. A positive maxBuffer caps both the
// bytes held while waiting for a frame and any declared body length; zero
// leaves the buffer unbounded.
func NewDeframer(mode Mode, maxBuffer int) *Deframer {
	return &Deframer{
		mode:      mode,
		maxBuffer: maxBuffer,
	}
}

func (d *Deframer) Mode() Mode {
	return d.mode
}

// Buffered reports how many bytes are held waiting for a frame to complete.
func (d *Deframer) Buffered() int {
	return len(d.buf)
}

// Feed appends p and returns every payload completed so far, in stream order.
// Incomplete input is kept for the next call. Payloads returned before an
// error are still valid.
func (d *Deframer) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var (
		frames [][]byte
		err    error
	)
	if d.mode == ModeChunked {
		frames, err = d.drainChunks()
	} else {
		frames, err = d.drainContentLength()
	}
	if err != nil {
		return frames, err
	}

	if d.maxBuffer > 0 && len(d.buf) > d.maxBuffer {
		return frames, ErrBufferLimit
	}
	return frames, nil
}

func (d *Deframer) drainChunks() ([][]byte, error) {
	var frames [][]byte
	cursor := 0
	defer func() { d.compact(cursor) }()

	for cursor < len(d.buf) {
		rest := d.buf[cursor:]

		// trailer of the previous chunk
		if bytes.HasPrefix(rest, crlf) {
			cursor += len(crlf)
			continue
		}

		idx := bytes.Index(rest, crlf)
		if idx < 0 {
			break
		}

		size, err := parseChunkSize(rest[:idx])
		if err != nil {
			return frames, err
		}

		start := idx + len(crlf)
		if size == 0 {
			cursor += start
			if bytes.HasPrefix(d.buf[cursor:], crlf) {
				cursor += len(crlf)
			}
			break
		}

		if d.maxBuffer > 0 && size > d.maxBuffer {
			return frames, ErrBufferLimit
		}

		end := start + size
		if end+len(crlf) > len(rest) {
			break
		}
		if !bytes.Equal(rest[end:end+len(crlf)], crlf) {
			return frames, FrameError{Mode: ModeChunked, Reason: "chunk body not followed by CRLF"}
		}

		frames = append(frames, bytes.Clone(rest[start:end]))
		cursor += end + len(crlf)
	}

	return frames, nil
}

func (d *Deframer) drainContentLength() ([][]byte, error) {
	var frames [][]byte
	cursor := 0
	defer func() { d.compact(cursor) }()

	for {
		rest := d.buf[cursor:]

		if !d.parsingBody {
			idx := bytes.Index(rest, headerTerminal)
			if idx < 0 {
				break
			}

			n, err := contentLength(ParseHeaderBlock(rest[:idx]))
			if err != nil {
				return frames, err
			}
			if d.maxBuffer > 0 && n > d.maxBuffer {
				return frames, ErrBufferLimit
			}

			cursor += idx + len(headerTerminal)
			d.expected = n
			d.parsingBody = true
			continue
		}

		if len(rest) < d.expected {
			break
		}

		if d.expected > 0 {
			frames = append(frames, bytes.Clone(rest[:d.expected]))
		}
		cursor += d.expected
		d.expected = 0
		d.parsingBody = false
	}

	return frames, nil
}

func (d *Deframer) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:n]
}

func parseChunkSize(line []byte) (int, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := string(bytes.TrimSpace(line))
	if s == "" {
		return 0, FrameError{Mode: ModeChunked, Reason: "empty chunk size"}
	}

	size, err := strconv.ParseUint(s, 16, 31)
	if err != nil {
		return 0, FrameError{Mode: ModeChunked, Reason: "invalid chunk size " + strconv.Quote(s), Cause: err}
	}
	return int(size), nil
}

func contentLength(headers HeaderMap) (int, error) {
	v, ok := headers.Get(HeaderContentLength)
	if !ok {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, FrameError{Mode: ModeContentLength, Reason: "invalid Content-Length " + strconv.Quote(v), Cause: err}
	}
	return n, nil
}
