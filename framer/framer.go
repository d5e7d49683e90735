// Package framer turns a byte stream into delimited text frames. Bytes are run
// through a stateful UTF-8 decoder so that a multi-byte sequence split across
// two reads is reassembled instead of being corrupted, and any text read past
// a delimiter is kept for the next frame.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cyberinferno/securesocket/proto"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultReadBufferSize is the size of a single read from the stream.
	DefaultReadBufferSize = 2048

	// DefaultMaxFrameSize bounds the text buffered while waiting for a
	// delimiter.
	DefaultMaxFrameSize = 1 << 20
)

// ErrFrameTooLarge is returned when more than the configured maximum of text
// has been buffered without a delimiter arriving.
var ErrFrameTooLarge = errors.New("framer: frame exceeds maximum size")

var delimiter = []byte(proto.Delimiter)

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxFrameSize sets the maximum number of decoded bytes buffered while
// waiting for a delimiter. Zero or a negative value disables the limit.
func WithMaxFrameSize(n int) Option {
	return func(d *Decoder) {
		d.maxFrameSize = n
	}
}

// WithReadBufferSize sets the size of each read from the underlying stream.
func WithReadBufferSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// Decoder extracts delimited frames from a stream. A Decoder belongs to one
// connection and is not safe for concurrent use; the connection's read loop
// is its only caller.
type Decoder struct {
	src          io.Reader
	buf          []byte
	chunk        []byte
	maxFrameSize int
	err          error
}

// NewDecoder wraps r in a stateful UTF-8 decoder and returns a frame Decoder
// reading from it. Invalid UTF-8 is replaced with U+FFFD.
//
// Parameters:
//   - r: The raw byte stream (typically a *tls.Conn)
//   - opts: Optional settings such as WithMaxFrameSize
//
// Returns:
//   - A Decoder ready for Next calls
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		src:          unicode.UTF8.NewDecoder().Reader(emptyReadIsEOF{r}),
		chunk:        make([]byte, DefaultReadBufferSize),
		maxFrameSize: DefaultMaxFrameSize,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Next returns the next frame with every delimiter and padding token
// stripped. Text that arrived after the delimiter stays buffered and starts
// the following frame. An empty frame (a bare delimiter) is valid and is
// returned as "".
//
// Returns:
//   - The cleaned frame text
//   - io.EOF when the peer closed the stream gracefully before a delimiter
//     arrived; ErrFrameTooLarge when the size limit is exceeded; otherwise
//     the wrapped transport error
func (d *Decoder) Next() (string, error) {
	for {
		if i := bytes.Index(d.buf, delimiter); i >= 0 {
			frame := string(d.buf[:i])
			n := copy(d.buf, d.buf[i+len(delimiter):])
			d.buf = d.buf[:n]
			return proto.Clean(frame), nil
		}

		if d.maxFrameSize > 0 && len(d.buf) > d.maxFrameSize {
			d.err = ErrFrameTooLarge
		}

		if d.err != nil {
			return "", d.err
		}

		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}

		switch {
		case errors.Is(err, io.EOF):
			d.err = io.EOF
		case err != nil:
			d.err = fmt.Errorf("framer: read: %w", err)
		}
	}
}

// emptyReadIsEOF reports a read that returns no bytes and no error as io.EOF:
// the peer is done sending. The UTF-8 transform would otherwise retry such a
// read forever.
type emptyReadIsEOF struct {
	r io.Reader
}

func (e emptyReadIsEOF) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Pending returns the number of decoded bytes buffered that do not yet form
// a complete frame. After Next returns io.EOF this is the size of the
// unterminated text that was discarded.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
