// Package mem is an in-process transport for inproc endpoints built on
// net.Pipe. Useful for tests and for workers embedded in the same process.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"jobmux/pkg/transport"
)

// Default is the registry used by the native backend for inproc endpoints.
var Default = New()

// Transport is a registry of named in-process listeners.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

var ErrNoListener = errors.New("mem: no such listener")

// Listen registers name. The listener is removed when ctx is done or it is
// closed.
func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{name: name, newCh: make(chan transport.Channel, 8), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

// Dial connects to the listener registered under the endpoint address.
func (t *Transport) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if ep.Kind != transport.KindInproc {
		return nil, transport.ErrUnsupportedKind
	}
	name := ep.Address()
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := transport.NewFramedChannel(c1, transport.Endpoint{Host: ep.Host, Kind: transport.KindInproc, URI: ep.URI})
	select {
	case l.newCh <- srv:
	case <-l.closeCh:
		_ = c1.Close()
		_ = c2.Close()
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		_ = c1.Close()
		_ = c2.Close()
		return nil, ctx.Err()
	}
	return transport.NewFramedChannel(c2, ep), nil
}

type listener struct {
	name    string
	newCh   chan transport.Channel
	closeCh chan struct{}
	once    sync.Once
	onClose func()
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

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
	l.once.Do(func() {
		close(l.closeCh)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "inproc" }
func (a memAddr) String() string  { return string(a) }
