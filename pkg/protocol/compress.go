package protocol

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/ulikunitz/xz"
)

// CompressionBufferSize is the size of the write buffer between a
// compressing writer and the message stream.
const CompressionBufferSize = 128 << 10

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w. Closing the result flushes the compressed stream
// without closing w.
func newCompressor(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionSnappy:
		// Snappy framing format, readable by any snappy stream decoder.
		return s2.NewWriter(w, s2.WriterSnappyCompat(), s2.WriterConcurrency(1)), nil
	case CompressionLzma2:
		return xz.NewWriter(w)
	default:
		return nil, &UnsupportedCompressionError{Ordinal: uint8(c)}
	}
}

func newDecompressor(c Compression, r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case CompressionSnappy:
		return s2.NewReader(r), nil
	case CompressionLzma2:
		return xz.NewReader(r)
	default:
		return nil, &UnsupportedCompressionError{Ordinal: uint8(c)}
	}
}

// stickyEOF keeps returning io.EOF once the underlying reader reported it.
// Decompressors may read again after EOF; a message stream treats that as
// misuse.
type stickyEOF struct {
	r   io.Reader
	eof bool
}

func (s *stickyEOF) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
