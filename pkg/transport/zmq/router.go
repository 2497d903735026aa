package zmq

import (
	"context"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"

	"jobmux/pkg/transport"
)

type router struct {
	sock zmq4.Socket
	kind transport.Kind

	mu    sync.Mutex
	peers map[string]*peerChannel

	sendMu  sync.Mutex
	newCh   chan transport.Channel
	closeCh chan struct{}
	once    sync.Once
}

func (r *router) Addr() net.Addr { return r.sock.Addr() }

func (r *router) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closeCh:
		return nil, transport.ErrListenerClosed
	case ch := <-r.newCh:
		return ch, nil
	}
}

func (r *router) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closeCh)
		err = r.sock.Close()
	})
	return err
}

func (r *router) recvLoop() {
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			_ = r.Close()
			return
		}
		if len(msg.Frames) < 2 {
			continue
		}
		id := string(msg.Frames[0])
		r.mu.Lock()
		p := r.peers[id]
		fresh := p == nil
		if fresh {
			p = &peerChannel{
				r:     r,
				id:    msg.Frames[0],
				ep:    transport.Endpoint{Kind: r.kind, URI: r.kind.String() + "://" + id},
				inbox: make(chan [][]byte, 64),
			}
			r.peers[id] = p
		}
		r.mu.Unlock()
		if fresh {
			select {
			case r.newCh <- p:
			case <-r.closeCh:
				return
			}
		}
		select {
		case p.inbox <- msg.Frames[1:]:
		case <-r.closeCh:
			return
		}
	}
}

func (r *router) send(id []byte, frames [][]byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.sock.SendMulti(zmq4.NewMsgFrom(append([][]byte{id}, frames...)...))
}

func (r *router) forget(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// peerChannel is the router-side view of one connected DEALER.
type peerChannel struct {
	r  *router
	id []byte
	ep transport.Endpoint

	inbox chan [][]byte
	in    [][]byte
	out   [][]byte
}

func (p *peerChannel) Endpoint() transport.Endpoint { return p.ep }

func (p *peerChannel) SendFrame(b []byte, more bool) error {
	p.out = append(p.out, append([]byte(nil), b...))
	if more {
		return nil
	}
	frames := p.out
	p.out = nil
	return p.r.send(p.id, frames)
}

func (p *peerChannel) RecvFrame() ([]byte, bool, error) {
	for len(p.in) == 0 {
		select {
		case frames := <-p.inbox:
			if len(frames) == 0 {
				return nil, false, nil
			}
			p.in = frames
		case <-p.r.closeCh:
			return nil, false, ErrPeerGone
		}
	}
	f := p.in[0]
	p.in = p.in[1:]
	return f, len(p.in) > 0, nil
}

// Close detaches the peer. The router socket stays open for other peers.
func (p *peerChannel) Close() error {
	p.r.forget(string(p.id))
	return nil
}
