package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
)

// Native frame layout on byte-stream connections:
//
//	0..3  Length u32 LE
//	4     Flags  u8 (bit0 = more)
//	5..   Bytes
const (
	frameHeaderSize = 5
	frameFlagMore   = 1 << 0
)

// FramedChannel carries frames over any byte stream (TCP, unix socket,
// named pipe, net.Pipe, QUIC stream).
type FramedChannel struct {
	mu sync.Mutex
	ep Endpoint
	rw io.ReadWriteCloser
	br *bufio.Reader
	bw *bufio.Writer
}

// NewFramedChannel wraps rw. Closing the channel closes rw.
func NewFramedChannel(rw io.ReadWriteCloser, ep Endpoint) *FramedChannel {
	return &FramedChannel{ep: ep, rw: rw, br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

func (c *FramedChannel) Endpoint() Endpoint { return c.ep }

func (c *FramedChannel) SendFrame(b []byte, more bool) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(b)))
	if more {
		hdr[4] = frameFlagMore
	}
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *FramedChannel) RecvFrame() ([]byte, bool, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, false, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[0:4]))
	if n > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, false, err
	}
	return buf, hdr[4]&frameFlagMore != 0, nil
}

func (c *FramedChannel) Close() error { return c.rw.Close() }
