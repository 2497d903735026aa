package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind identifies the transport family of an Endpoint.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindIPC
	KindInproc
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindIPC:
		return "ipc"
	case KindInproc:
		return "inproc"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseKind maps a discovery transport name to a Kind.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP
	case "ipc":
		return KindIPC
	case "inproc":
		return KindInproc
	case "quic":
		return KindQUIC
	default:
		return KindUnknown
	}
}

// Network reports whether the kind can cross host boundaries.
func (k Kind) Network() bool { return k == KindTCP || k == KindQUIC }

// Endpoint is a reachable transport locator published by one node.
// Values are immutable; build them with NewEndpoint.
type Endpoint struct {
	NodeID string
	Host   string
	Kind   Kind
	URI    string
}

// NewEndpoint builds an Endpoint. For network kinds a `*` in the uri stands
// for "this host" and is replaced with host.
func NewEndpoint(nodeID, host string, kind Kind, uri string) Endpoint {
	if kind.Network() {
		uri = strings.ReplaceAll(uri, "*", host)
	}
	return Endpoint{NodeID: nodeID, Host: host, Kind: kind, URI: uri}
}

// Equal compares host, kind and uri. The node id is not part of identity.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Kind == o.Kind && e.URI == o.URI
}

func (e Endpoint) String() string { return fmt.Sprintf("(%s) %s", e.Host, e.URI) }

// Address returns the uri without its scheme, e.g. "h1:5000" for
// "tcp://h1:5000" or "/tmp/x" for "ipc:///tmp/x".
func (e Endpoint) Address() string {
	if i := strings.Index(e.URI, "://"); i >= 0 {
		return e.URI[i+3:]
	}
	return e.URI
}

// Channel is a message-oriented connection to one Endpoint. A logical
// message is a run of frames; every frame except the last is sent with more
// set. Exactly one reader and one writer goroutine are expected.
type Channel interface {
	Endpoint() Endpoint
	// SendFrame sends one frame; more=false terminates the logical message.
	SendFrame(b []byte, more bool) error
	// RecvFrame returns the next frame and whether more frames of the same
	// logical message follow.
	RecvFrame() ([]byte, bool, error)
	Close() error
}

// Dialer opens Channels.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Channel, error) { return f(ctx, ep) }

// Listener accepts inbound Channels. Workers and tests use it; the client
// side only dials.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() net.Addr
	Close() error
}

var (
	ErrUnsupportedKind = errors.New("transport: unsupported endpoint kind")
	ErrFrameTooLarge   = errors.New("transport: frame too large")
	ErrListenerClosed  = errors.New("transport: listener closed")
)

// MaxFrameSize bounds a single frame on length-prefixed transports.
const MaxFrameSize = 1 << 24
