// Package zmq is the ZeroMQ backend. Clients connect a DEALER socket per
// channel; workers bind a ROUTER socket whose peers surface as individual
// channels through Listen.
package zmq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"jobmux/pkg/transport"
)

// Transport dials DEALER channels for tcp, ipc and inproc endpoints.
type Transport struct {
	opts []zmq4.Option
}

// New returns a Transport. Extra socket options are applied to every socket.
func New(opts ...zmq4.Option) *Transport { return &Transport{opts: opts} }

func supported(k transport.Kind) bool {
	return k == transport.KindTCP || k == transport.KindIPC || k == transport.KindInproc
}

func (t *Transport) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if !supported(ep.Kind) {
		return nil, transport.ErrUnsupportedKind
	}
	// The socket outlives the dial context.
	opts := append([]zmq4.Option{zmq4.WithID(zmq4.SocketIdentity(uuid.NewString()))}, t.opts...)
	sock := zmq4.NewDealer(context.WithoutCancel(ctx), opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- sock.Dial(ep.URI) }()
	select {
	case err := <-errCh:
		if err != nil {
			_ = sock.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = sock.Close()
		return nil, ctx.Err()
	}
	return &dealerChannel{sock: sock, ep: ep}, nil
}

// dealerChannel maps the frame/more contract onto whole zmq messages: frames
// are queued until the final one, and received messages are handed out one
// frame at a time. zmq4 has no partial multipart send, so a message is held
// in full until its last frame and SendFrame only blocks on that frame.
// Queued frames are copied: writers such as bufio reuse b after SendFrame
// returns.
type dealerChannel struct {
	sock zmq4.Socket
	ep   transport.Endpoint

	sendMu sync.Mutex
	out    [][]byte

	in [][]byte
}

func (c *dealerChannel) Endpoint() transport.Endpoint { return c.ep }

func (c *dealerChannel) SendFrame(b []byte, more bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.out = append(c.out, append([]byte(nil), b...))
	if more {
		return nil
	}
	msg := zmq4.NewMsgFrom(c.out...)
	c.out = nil
	return c.sock.SendMulti(msg)
}

func (c *dealerChannel) RecvFrame() ([]byte, bool, error) {
	if len(c.in) == 0 {
		msg, err := c.sock.Recv()
		if err != nil {
			return nil, false, err
		}
		if len(msg.Frames) == 0 {
			return nil, false, nil
		}
		c.in = msg.Frames
	}
	f := c.in[0]
	c.in = c.in[1:]
	return f, len(c.in) > 0, nil
}

func (c *dealerChannel) Close() error { return c.sock.Close() }

// ErrPeerGone is returned by router-side channels whose listener has closed.
var ErrPeerGone = errors.New("zmq: router closed")

// Listen binds a ROUTER socket to uri. Each distinct peer identity becomes one
// channel returned by Accept.
func Listen(ctx context.Context, uri string, opts ...zmq4.Option) (transport.Listener, error) {
	sock := zmq4.NewRouter(context.WithoutCancel(ctx), opts...)
	if err := sock.Listen(uri); err != nil {
		_ = sock.Close()
		return nil, err
	}
	r := &router{
		sock:    sock,
		kind:    kindOf(uri),
		peers:   make(map[string]*peerChannel),
		newCh:   make(chan transport.Channel, 16),
		closeCh: make(chan struct{}),
	}
	go r.recvLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.closeCh:
		}
	}()
	return r, nil
}

func kindOf(uri string) transport.Kind {
	for _, k := range []transport.Kind{transport.KindTCP, transport.KindIPC, transport.KindInproc} {
		if strings.HasPrefix(uri, k.String()+"://") {
			return k
		}
	}
	return transport.KindUnknown
}
