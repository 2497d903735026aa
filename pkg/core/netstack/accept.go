package netstack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"jobmux/pkg/transport"
	"jobmux/pkg/transport/mem"
	tquic "jobmux/pkg/transport/quic"
	ttcp "jobmux/pkg/transport/tcp"
	"jobmux/pkg/transport/zmq"
)

// Listen binds a worker-side listener for uri ("tcp://host:port",
// "ipc:///path", "inproc://name", "quic://host:port") on the given backend.
func Listen(ctx context.Context, backend, uri string) (transport.Listener, error) {
	kind := transport.KindUnknown
	if i := strings.Index(uri, "://"); i > 0 {
		kind = transport.ParseKind(uri[:i])
	}
	addr := transport.Endpoint{Kind: kind, URI: uri}.Address()
	if kind == transport.KindQUIC {
		return tquic.New().Listen(ctx, addr)
	}
	switch backend {
	case BackendZMQ, "":
		if kind == transport.KindUnknown {
			return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedKind, uri)
		}
		return zmq.Listen(ctx, uri)
	case BackendNative:
		switch kind {
		case transport.KindTCP, transport.KindIPC:
			return ttcp.New().Listen(ctx, kind, addr)
		case transport.KindInproc:
			return mem.Default.Listen(ctx, addr)
		default:
			return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedKind, uri)
		}
	default:
		return nil, ErrUnknownBackend(backend)
	}
}

// Serve accepts channels until ctx ends or the listener closes, handling
// each on its own goroutine.
func Serve(ctx context.Context, l transport.Listener, handle func(context.Context, transport.Channel)) error {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			return err
		}
		zap.L().Debug("inbound channel", zap.Stringer("endpoint", ch.Endpoint()))
		go handle(ctx, ch)
	}
}
