// Package tcp implements the native jobmux framing over stream sockets:
// TCP for tcp endpoints and local sockets (unix sockets, Windows named
// pipes) for ipc endpoints.
package tcp

import (
	"context"
	"net"
	"sync"

	"jobmux/pkg/transport"
)

// Transport dials and listens on tcp and ipc endpoints.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	var (
		c   net.Conn
		err error
	)
	switch ep.Kind {
	case transport.KindTCP:
		d := &net.Dialer{}
		c, err = d.DialContext(ctx, "tcp", ep.Address())
	case transport.KindIPC:
		c, err = dialIPC(ctx, ep.Address())
	default:
		return nil, transport.ErrUnsupportedKind
	}
	if err != nil {
		return nil, err
	}
	return transport.NewFramedChannel(c, ep), nil
}

// Listen accepts channels on address. For KindTCP address is host:port, for
// KindIPC a socket path (pipe name on Windows).
func (t *Transport) Listen(ctx context.Context, kind transport.Kind, address string) (transport.Listener, error) {
	var (
		l   net.Listener
		err error
	)
	switch kind {
	case transport.KindTCP:
		l, err = net.Listen("tcp", address)
	case transport.KindIPC:
		l, err = listenIPC(address)
	default:
		return nil, transport.ErrUnsupportedKind
	}
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, kind: kind, newCh: make(chan transport.Channel, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

type listener struct {
	l       net.Listener
	kind    transport.Kind
	newCh   chan transport.Channel
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	case ch := <-l.newCh:
		return ch, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		ep := transport.Endpoint{Host: c.RemoteAddr().String(), Kind: l.kind, URI: l.kind.String() + "://" + c.RemoteAddr().String()}
		ch := transport.NewFramedChannel(c, ep)
		select {
		case l.newCh <- ch:
		case <-l.closeCh:
			_ = ch.Close()
			return
		}
	}
}
