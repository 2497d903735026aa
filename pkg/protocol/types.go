package protocol

import (
	"fmt"
	"strings"
)

// Compression selects the payload compression of a job. The ordinal is
// written on the wire and must never be renumbered.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLzma2
)

// DefaultCompression is used when none is configured.
const DefaultCompression = CompressionSnappy

// Compressions lists every supported selector in ordinal order.
var Compressions = []Compression{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLzma2}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLzma2:
		return "lzma2"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Valid reports whether c is a known selector.
func (c Compression) Valid() bool { return c <= CompressionLzma2 }

// ParseCompression maps a configuration name to a selector. "xz" is accepted
// as an alias of lzma2.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lzma2", "xz":
		return CompressionLzma2, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// UnsupportedCompressionError reports an unknown compression ordinal.
type UnsupportedCompressionError struct {
	Ordinal uint8
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("protocol: unsupported compression ordinal %d", e.Ordinal)
}
