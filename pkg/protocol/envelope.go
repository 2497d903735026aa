package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"jobmux/pkg/protocol/stream"
)

// DefaultMaxPayload bounds a decompressed payload unless a caller picks
// another limit.
const DefaultMaxPayload = 1 << 30

// ErrPayloadTooLarge is returned when a payload decompresses past the limit.
var ErrPayloadTooLarge = errors.New("protocol: payload exceeds size limit")

// Envelope is one job or result on the wire: header plus the serialized
// payload, compressed as the header says.
type Envelope struct {
	Header  Header
	Payload []byte
}

// WriteTo writes the header followed by the compressed payload to w.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	hb, err := e.Header.MarshalBinary()
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, CompressionBufferSize)
	if _, err := bw.Write(hb); err != nil {
		return cw.n, err
	}
	zw, err := newCompressor(e.Header.Compression, bw)
	if err != nil {
		return cw.n, err
	}
	if _, err := zw.Write(e.Payload); err != nil {
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	err = bw.Flush()
	return cw.n, err
}

// ReadFrom reads a header and decompresses the payload until r is
// exhausted. The payload is limited to DefaultMaxPayload bytes.
func (e *Envelope) ReadFrom(r io.Reader) (int64, error) {
	return e.readFrom(r, DefaultMaxPayload)
}

func (e *Envelope) readFrom(r io.Reader, limit int64) (int64, error) {
	hb := make([]byte, headerSize)
	if n, err := io.ReadFull(r, hb); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(n), fmt.Errorf("%w: short header (%d bytes)", ErrProtocolFormat, n)
		}
		return int64(n), err
	}
	if err := e.Header.UnmarshalBinary(hb); err != nil {
		return headerSize, err
	}
	zr, err := newDecompressor(e.Header.Compression, r)
	if err != nil {
		return headerSize, fmt.Errorf("protocol: open %s stream: %w", e.Header.Compression, err)
	}
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(zr, limit+1))
	if err != nil {
		e.Payload = buf.Bytes()
		return headerSize + n, fmt.Errorf("protocol: decode %s payload: %w", e.Header.Compression, err)
	}
	if n > limit {
		return headerSize + n, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
	}
	e.Payload = buf.Bytes()
	return headerSize + n, nil
}

// Send writes e as one logical message on ch.
func Send(ch stream.FrameSender, e *Envelope) error {
	if _, err := e.Header.MarshalBinary(); err != nil {
		return err
	}
	w := stream.NewWriter(ch)
	if _, err := e.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Recv reads one logical message from ch. Whatever the payload decoder left
// unread is drained so the next message starts on a message boundary. On a
// decode failure the returned envelope still carries the correlation id if
// the header was readable.
func Recv(ch stream.FrameReceiver) (Envelope, error) {
	return RecvLimit(ch, DefaultMaxPayload)
}

// RecvLimit is Recv with payloads limited to limit bytes after
// decompression. A non-positive limit means DefaultMaxPayload.
func RecvLimit(ch stream.FrameReceiver, limit int64) (Envelope, error) {
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	r := stream.NewReader(ch)
	var e Envelope
	_, err := e.readFrom(&stickyEOF{r: r}, limit)
	if _, derr := r.Drain(); err == nil {
		err = derr
	}
	return e, err
}
