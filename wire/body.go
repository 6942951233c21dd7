package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/nicolagi/xfer/bits"
	"github.com/zeebo/blake3"
)

// Sentinel marks the end of a body under sentinel framing. It is sent as its
// own write, after the last chunk.
const Sentinel = "EOF"

// DefaultChunkSize is the fixed chunk size used when none is configured.
const DefaultChunkSize = 1024

// MaxChunkSize bounds a single length-framed chunk.
const MaxChunkSize = 1 << 20

var (
	// ErrTruncated is returned when the stream ends before the body
	// terminator was seen.
	ErrTruncated = errors.New("body truncated")

	// ErrUnderflow is returned when not all bytes of a chunk can be written.
	ErrUnderflow = errors.New("underflow")

	// ErrChunkSize is returned for chunk sizes that cannot carry the
	// framing.
	ErrChunkSize = errors.New("invalid chunk size")

	sentinel = []byte(Sentinel)
)

// Framing selects how a body is delimited on the wire.
type Framing int

const (
	// FramingSentinel sends fixed-size chunks followed by Sentinel. A body
	// whose final short chunk is exactly the sentinel bytes loses that chunk
	// on receipt.
	FramingSentinel Framing = iota

	// FramingLength prefixes every chunk with its length as a 4-byte little
	// endian integer and ends the body with a zero length.
	FramingLength
)

func (f Framing) String() string {
	switch f {
	case FramingSentinel:
		return "sentinel"
	case FramingLength:
		return "length"
	default:
		return "unknown framing"
	}
}

// ParseFraming is the inverse of Framing.String. The empty string is sentinel
// framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sentinel":
		return FramingSentinel, nil
	case "length":
		return FramingLength, nil
	default:
		return FramingSentinel, fmt.Errorf("framing %q: %w", s, ErrParse)
	}
}

// Session describes one body transfer: how much was moved and the blake3
// digest of what was moved.
type Session struct {
	Bytes  int64
	Chunks int
	Digest string

	// Dropped is set when a final chunk equal to the sentinel was discarded.
	Dropped bool
}

type tracker struct {
	session *Session
	hash    hash.Hash
}

func newTracker(s *Session) *tracker {
	return &tracker{session: s, hash: blake3.New()}
}

func (t *tracker) add(chunk []byte) {
	t.session.Bytes += int64(len(chunk))
	t.session.Chunks++
	_, _ = t.hash.Write(chunk)
}

func (t *tracker) done() {
	t.session.Digest = hex.EncodeToString(t.hash.Sum(nil))
}

// Digest returns the blake3 digest of b, hex encoded, as reported in a
// Session.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func checkChunkSize(size int) error {
	if size <= len(Sentinel) || size > MaxChunkSize {
		return fmt.Errorf("%d: %w", size, ErrChunkSize)
	}
	return nil
}

// SendBody copies r to w as a framed body, in chunks of size bytes. Each
// chunk is written with a single call to w.Write.
func SendBody(w io.Writer, r io.Reader, size int, f Framing) (s Session, err error) {
	if err := checkChunkSize(size); err != nil {
		return s, err
	}
	t := newTracker(&s)
	defer t.done()
	var prefix int
	if f == FramingLength {
		prefix = 4
	}
	buf := make([]byte, prefix+size)
	for {
		n, rerr := io.ReadFull(r, buf[prefix:])
		if n > 0 {
			if prefix > 0 {
				bits.Put32(buf, uint32(n))
			}
			if err := writeFull(w, buf[:prefix+n]); err != nil {
				return s, err
			}
			t.add(buf[prefix : prefix+n])
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return s, rerr
		}
	}
	if f == FramingLength {
		return s, writeFull(w, make([]byte, 4))
	}
	return s, writeFull(w, sentinel)
}

// ReceiveBody copies a framed body from r to w. Under sentinel framing, r is
// read in units of at most size bytes; a unit equal to the sentinel ends the
// body, and so does the end of the stream right after the sentinel. The body is
// written to w in chunks aligned to size; a final short chunk equal to the
// sentinel is discarded, as a unit-by-unit reader would have mistaken it for
// the terminator.
func ReceiveBody(w io.Writer, r io.Reader, size int, f Framing) (s Session, err error) {
	if err := checkChunkSize(size); err != nil {
		return s, err
	}
	t := newTracker(&s)
	defer t.done()
	if f == FramingLength {
		return s, receiveLength(w, r, t)
	}
	return s, receiveSentinel(w, r, size, t)
}

func receiveSentinel(w io.Writer, r io.Reader, size int, t *tracker) error {
	unit := make([]byte, size)
	pending := make([]byte, 0, 2*size+len(sentinel))
	emit := func(chunk []byte) error {
		if err := writeFull(w, chunk); err != nil {
			return err
		}
		t.add(chunk)
		return nil
	}
	finish := func(body []byte) error {
		for len(body) >= size {
			if err := emit(body[:size]); err != nil {
				return err
			}
			body = body[size:]
		}
		if bytes.Equal(body, sentinel) {
			t.session.Dropped = true
			return nil
		}
		if len(body) == 0 {
			return nil
		}
		return emit(body)
	}
	for {
		n, err := r.Read(unit)
		if n > 0 {
			if bytes.Equal(unit[:n], sentinel) {
				return finish(pending)
			}
			pending = append(pending, unit[:n]...)
			// Whatever is followed by more than a chunk's worth of bytes
			// cannot be the final chunk or the sentinel.
			for len(pending) >= size+len(sentinel) {
				if err := emit(pending[:size]); err != nil {
					return err
				}
				pending = append(pending[:0], pending[size:]...)
			}
		}
		if err == io.EOF {
			if !bytes.HasSuffix(pending, sentinel) {
				return fmt.Errorf("%d trailing bytes without %q: %w", len(pending), Sentinel, ErrTruncated)
			}
			return finish(pending[:len(pending)-len(sentinel)])
		}
		if err != nil {
			return err
		}
	}
}

func receiveLength(w io.Writer, r io.Reader, t *tracker) error {
	var prefix [4]byte
	var buf []byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("missing chunk length: %w", ErrTruncated)
			}
			return err
		}
		n, _ := bits.Get32(prefix[:])
		if n == 0 {
			return nil
		}
		if n > MaxChunkSize {
			return fmt.Errorf("chunk of %d bytes: %w", n, ErrChunkSize)
		}
		if cap(buf) < int(n) {
			buf = make([]byte, n)
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("short chunk: %w", ErrTruncated)
			}
			return err
		}
		if err := writeFull(w, chunk); err != nil {
			return err
		}
		t.add(chunk)
	}
}

func writeFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(b), ErrUnderflow)
	}
	return nil
}
