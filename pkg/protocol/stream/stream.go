// Package stream presents one logical message of a frame-oriented channel as
// a byte stream. A Writer turns each Write into a frame tagged "more" and
// Close sends the empty terminating frame; a Reader concatenates the frames
// of one message until the frame without "more".
package stream

import (
	"errors"
	"io"
)

// ErrTruncated is returned when the channel ends inside a message.
var ErrTruncated = errors.New("stream: channel ended inside a message")

// StateError reports misuse of a Reader or Writer: reading past the end of
// the message, writing after Close, or closing twice.
type StateError struct {
	Op string
}

func (e *StateError) Error() string { return "stream: " + e.Op }

// FrameSender is the send half of a transport channel.
type FrameSender interface {
	SendFrame(b []byte, more bool) error
}

// FrameReceiver is the receive half of a transport channel.
type FrameReceiver interface {
	RecvFrame() ([]byte, bool, error)
}

// DefaultChunkSize bounds the frames a Writer sends. It stays well under
// the transport frame limit so a single large Write never produces an
// oversized frame.
const DefaultChunkSize = 1 << 20

// Writer writes one logical message. Writes are not buffered: every
// non-empty Write goes out as one or more frames of at most the chunk size,
// so transport back-pressure reaches the caller.
type Writer struct {
	ch     FrameSender
	chunk  int
	closed bool
}

func NewWriter(ch FrameSender) *Writer { return NewWriterSize(ch, DefaultChunkSize) }

// NewWriterSize is NewWriter with frames of at most size bytes.
func NewWriterSize(ch FrameSender, size int) *Writer {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Writer{ch: ch, chunk: size}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, &StateError{Op: "write after close"}
	}
	n := 0
	for n < len(p) {
		end := min(n+w.chunk, len(p))
		if err := w.ch.SendFrame(p[n:end], true); err != nil {
			return n, err
		}
		n = end
	}
	return n, nil
}

// Close terminates the message with an empty final frame.
func (w *Writer) Close() error {
	if w.closed {
		return &StateError{Op: "close of closed writer"}
	}
	w.closed = true
	return w.ch.SendFrame(nil, false)
}

// Reader reads one logical message.
type Reader struct {
	ch   FrameReceiver
	buf  []byte
	last bool // the final frame has been received
	eof  bool // io.EOF has been returned
}

func NewReader(ch FrameReceiver) *Reader { return &Reader{ch: ch} }

// Read fills p from the buffered frame, pulling further frames of the
// message while p has room. The remainder of a frame larger than p is kept
// for the next call. The first Read at the end of the message returns
// io.EOF; any Read after that fails with a StateError.
func (r *Reader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, &StateError{Op: "read past end of message"}
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) {
		if len(r.buf) == 0 {
			if r.last {
				break
			}
			if err := r.next(); err != nil {
				return n, err
			}
			continue
		}
		c := copy(p[n:], r.buf)
		r.buf = r.buf[c:]
		n += c
	}
	if n == 0 {
		r.eof = true
		return 0, io.EOF
	}
	return n, nil
}

func (r *Reader) next() error {
	f, more, err := r.ch.RecvFrame()
	if errors.Is(err, io.EOF) {
		return ErrTruncated
	}
	if err != nil {
		return err
	}
	r.buf = f
	r.last = !more
	return nil
}

// Buffered reports bytes already received but not yet read.
func (r *Reader) Buffered() int { return len(r.buf) }

// Drain discards the rest of the message, receiving frames until the final
// one. It returns the number of bytes discarded.
func (r *Reader) Drain() (int, error) {
	n := len(r.buf)
	r.buf = nil
	for !r.last {
		if err := r.next(); err != nil {
			return n, err
		}
		n += len(r.buf)
		r.buf = nil
	}
	return n, nil
}
