package protocol

import (
	"errors"
	"fmt"
)

// Envelope header layout (40 bytes) preceding every compressed payload:
//
//	0  ..35  Correlation  canonical UUID string, ASCII
//	36 ..38  Magic        'v''p''b'
//	39       Compression  u8 ordinal
const (
	CorrelationSize = 36
	headerSize      = CorrelationSize + 4
	magic           = "vpb"
)

var (
	// ErrProtocolFormat is returned for a malformed envelope header.
	ErrProtocolFormat = errors.New("protocol: bad envelope format")
	// ErrBadCorrelation is returned when encoding an id that is not 36 bytes.
	ErrBadCorrelation = errors.New("protocol: correlation id must be 36 bytes")
)

// Header identifies a job and how its payload is compressed.
type Header struct {
	Correlation string
	Compression Compression
}

// MarshalBinary encodes the header to its 40-byte wire form.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Correlation) != CorrelationSize {
		return nil, ErrBadCorrelation
	}
	if !h.Compression.Valid() {
		return nil, &UnsupportedCompressionError{Ordinal: uint8(h.Compression)}
	}
	buf := make([]byte, headerSize)
	copy(buf, h.Correlation)
	copy(buf[CorrelationSize:], magic)
	buf[headerSize-1] = byte(h.Compression)
	return buf, nil
}

// UnmarshalBinary decodes a header. The correlation id is set even when the
// marker is rejected, so callers can attribute the failure to a job.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("%w: short header (%d bytes)", ErrProtocolFormat, len(buf))
	}
	h.Correlation = string(buf[:CorrelationSize])
	if string(buf[CorrelationSize:CorrelationSize+3]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrProtocolFormat, buf[CorrelationSize:CorrelationSize+3])
	}
	c := Compression(buf[headerSize-1])
	if !c.Valid() {
		return &UnsupportedCompressionError{Ordinal: uint8(c)}
	}
	h.Compression = c
	return nil
}
