package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"lspbridge/internal/errors"
)

// headerContentLength is the only header the codec requires. Matching is
// case-insensitive per the wire protocol.
const headerContentLength = "content-length"

// maxFrameSize bounds a single frame body. Larger announced lengths are
// treated as framing corruption rather than honored.
const maxFrameSize = 64 * 1024 * 1024

// Encode writes one framed message to w: the Content-Length header, a blank
// line, then the JSON body. The length counts bytes of the encoded body.
func Encode(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.New(errors.InternalError, "marshaling frame body", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(w, header); err != nil {
		return errors.New(errors.BackendUnavailable, "writing frame header", err)
	}
	if _, err := w.Write(body); err != nil {
		return errors.New(errors.BackendUnavailable, "writing frame body", err)
	}
	return nil
}

// Decoder produces a lazy, restartable sequence of complete messages from a
// continuous byte stream. Partial frames are buffered until complete. A
// malformed header or truncated body is fatal: the decoder becomes terminal
// and every subsequent Decode returns the same PROTOCOL_VIOLATION error.
// There is no silent resync.
type Decoder struct {
	r    *bufio.Reader
	dead error
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next complete message. It returns io.EOF on a clean
// stream end at a frame boundary.
func (d *Decoder) Decode() (*Message, error) {
	if d.dead != nil {
		return nil, d.dead
	}

	msg, err := d.decodeFrame()
	if err != nil && err != io.EOF {
		d.dead = err
	}
	return msg, err
}

func (d *Decoder) decodeFrame() (*Message, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && !sawHeader {
				// Clean close between frames.
				return nil, io.EOF
			}
			return nil, errors.New(errors.ProtocolViolation, "stream ended inside frame header", err)
		}
		sawHeader = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line terminates the header block
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Newf(errors.ProtocolViolation, "malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, errors.Newf(errors.ProtocolViolation, "invalid Content-Length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
		// Unknown headers (e.g. Content-Type) are tolerated and skipped.
	}

	if contentLength < 0 {
		return nil, errors.Newf(errors.ProtocolViolation, "frame header missing Content-Length")
	}
	if contentLength > maxFrameSize {
		return nil, errors.Newf(errors.ProtocolViolation, "frame of %d bytes exceeds limit", contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, errors.New(errors.ProtocolViolation, "truncated frame body", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.New(errors.ProtocolViolation, "frame body is not valid JSON-RPC", err)
	}

	return &msg, nil
}
