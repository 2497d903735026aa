// Package netstack assembles transport backends into dialers and listeners
// addressed by endpoint kind.
package netstack

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"jobmux/pkg/transport"
	"jobmux/pkg/transport/mem"
	tquic "jobmux/pkg/transport/quic"
	ttcp "jobmux/pkg/transport/tcp"
	"jobmux/pkg/transport/zmq"
)

const (
	BackendZMQ    = "zmq"
	BackendNative = "native"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendZMQ, BackendNative}

// ErrUnknownBackend is returned for a backend name that is not registered.
type ErrUnknownBackend string

func (e ErrUnknownBackend) Error() string { return "unknown transport backend: " + string(e) }

// Options tune dialing. Zero values pick the defaults.
type Options struct {
	DialTimeout    time.Duration
	Retries        int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
	// Logger receives dial attempts; nil means zap.L().
	Logger *zap.Logger
}

// KindMux routes each dial to the dialer registered for the endpoint kind.
type KindMux map[transport.Kind]transport.Dialer

func (m KindMux) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	d, ok := m[ep.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedKind, ep.Kind)
	}
	return d.Dial(ctx, ep)
}

// NewDialer builds the dialer for a backend. quic endpoints are served by
// the QUIC transport under every backend.
func NewDialer(backend string, opts Options) (transport.Dialer, error) {
	switch backend {
	case BackendZMQ, "":
		return DefaultDialer(opts), nil
	case BackendNative:
		t := ttcp.New()
		return withRetry(KindMux{transport.KindTCP: t, transport.KindIPC: t, transport.KindInproc: mem.Default}, opts), nil
	default:
		return nil, ErrUnknownBackend(backend)
	}
}

// DefaultDialer is the zmq backend dialer.
func DefaultDialer(opts Options) transport.Dialer {
	z := zmq.New()
	return withRetry(KindMux{transport.KindTCP: z, transport.KindIPC: z, transport.KindInproc: z}, opts)
}

func withRetry(mux KindMux, opts Options) transport.Dialer {
	mux[transport.KindQUIC] = tquic.New()
	return &retryDialer{next: mux, opts: opts}
}

// retryDialer bounds each attempt and backs off between failed attempts.
type retryDialer struct {
	next transport.Dialer
	opts Options
}

func (r *retryDialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	backoff := r.opts.BackoffInitial
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxBackoff := r.opts.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	for attempt := 0; ; attempt++ {
		ch, err := r.dialOnce(ctx, ep)
		if err == nil {
			r.log().Debug("dialed", zap.Stringer("endpoint", ep), zap.Int("attempt", attempt))
			return ch, nil
		}
		if attempt >= r.opts.Retries || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		r.log().Warn("dial failed", zap.Stringer("endpoint", ep), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", ep, ctx.Err())
		case <-time.After(withJitter(backoff, r.opts.BackoffJitter)):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *retryDialer) log() *zap.Logger {
	if r.opts.Logger != nil {
		return r.opts.Logger
	}
	return zap.L()
}

func (r *retryDialer) dialOnce(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if r.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.DialTimeout)
		defer cancel()
	}
	return r.next.Dial(ctx, ep)
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + rand.N(jitter)
}
