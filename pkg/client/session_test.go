package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jobmux/pkg/core/netstack"
	"jobmux/pkg/discovery"
	"jobmux/pkg/protocol"
	"jobmux/pkg/protocol/codec"
	"jobmux/pkg/protocol/stream"
	"jobmux/pkg/selector"
	"jobmux/pkg/transport"
	ttcp "jobmux/pkg/transport/tcp"
	"jobmux/pkg/worker"
)

type sourceFunc func(ctx context.Context, workflow string) (discovery.Topology, error)

func (f sourceFunc) Nodes(ctx context.Context, workflow string) (discovery.Topology, error) {
	return f(ctx, workflow)
}

var anyDistance = selector.MetricFunc(func(transport.Endpoint, string) float64 { return 0 })

// trackedChannel counts Close calls on a dialed channel.
type trackedChannel struct {
	transport.Channel
	closed atomic.Int32
}

func (c *trackedChannel) Close() error {
	c.closed.Add(1)
	return c.Channel.Close()
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	l       transport.Listener
	ep      transport.Endpoint
	lookups atomic.Int32

	mu     sync.Mutex
	dialed []*trackedChannel
}

// newHarness listens on loopback TCP with the native framing.
func newHarness(t *testing.T) *harness {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	l, err := ttcp.New().Listen(ctx, transport.KindTCP, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	ep := transport.NewEndpoint("node1", "127.0.0.1", transport.KindTCP, "tcp://"+l.Addr().String())
	return &harness{t: t, ctx: ctx, l: l, ep: ep}
}

func (h *harness) source() discovery.Source {
	return sourceFunc(func(context.Context, string) (discovery.Topology, error) {
		h.lookups.Add(1)
		return discovery.Topology{"node1": {h.ep}}, nil
	})
}

func (h *harness) dialer() transport.Dialer {
	tr := ttcp.New()
	return transport.DialerFunc(func(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
		ch, err := tr.Dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		tc := &trackedChannel{Channel: ch}
		h.mu.Lock()
		h.dialed = append(h.dialed, tc)
		h.mu.Unlock()
		return tc, nil
	})
}

// serve runs a worker with handler hd.
func (h *harness) serve(hd worker.Handler) {
	go func() { _ = worker.Serve(h.ctx, h.l, hd) }()
}

func (h *harness) session(c codec.Codec) *Session {
	s := New(Options{
		Source: h.source(),
		Dialer: h.dialer(),
		Codec:  c,
		Metric: anyDistance,
		Logger: zap.NewNop(),
	})
	require.NoError(h.t, s.Connect(h.ctx, "", "wf"))
	return s
}

func echoMessage(ch transport.Channel, b []byte) error {
	w := stream.NewWriter(ch)
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

func TestExecuteEchoAllCompressions(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())

	job := map[string]any{"n": 1.5, "s": "x", "l": []any{"a", true}}
	for _, c := range protocol.Compressions {
		got, err := s.Execute(h.ctx, job, c)
		require.NoError(t, err, c.String())
		assert.Equal(t, job, got, c.String())
	}
	assert.Empty(t, s.Pending())
	assert.Empty(t, s.Buffered())
}

func TestExecuteDefaultPickleCodec(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := New(Options{Source: h.source(), Dialer: h.dialer(), Metric: anyDistance, Logger: zap.NewNop()})
	require.NoError(t, s.Connect(h.ctx, "", "wf"))

	got, err := s.Execute(h.ctx, []any{int64(42), "job"}, protocol.DefaultCompression)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42), "job"}, got)
}

func TestYieldOutOfOrder(t *testing.T) {
	h := newHarness(t)
	go func() {
		srv, err := h.l.Accept(h.ctx)
		if err != nil {
			return
		}
		a, _ := io.ReadAll(stream.NewReader(srv))
		b, _ := io.ReadAll(stream.NewReader(srv))
		_ = echoMessage(srv, b)
		_ = echoMessage(srv, a)
	}()
	s := h.session(codec.JSON())

	idA, err := s.Submit(h.ctx, "A", protocol.CompressionGzip)
	require.NoError(t, err)
	idB, err := s.Submit(h.ctx, "B", protocol.CompressionSnappy)
	require.NoError(t, err)

	r, err := s.Yield(h.ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, Result{ID: idA, Value: "A"}, r)
	assert.Equal(t, []string{idB}, s.Buffered())
	assert.Empty(t, s.Pending())

	// Buffered results are claimed without touching the wire.
	done, cancel := context.WithCancel(context.Background())
	cancel()
	r, err = s.Yield(done, idB)
	require.NoError(t, err)
	assert.Equal(t, "B", r.Value)
	assert.Empty(t, s.Buffered())
}

func TestYieldAnyAndPoll(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())

	id1, err := s.Submit(h.ctx, "one", protocol.CompressionNone)
	require.NoError(t, err)
	polled, err := s.Poll(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, polled)
	assert.Equal(t, []string{id1}, s.Buffered())

	id2, err := s.Submit(h.ctx, "two", protocol.CompressionNone)
	require.NoError(t, err)

	r, err := s.Yield(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, id1, r.ID, "oldest buffered first")
	r, err = s.Yield(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Result{ID: id2, Value: "two"}, r)

	_, err = s.Yield(h.ctx, "")
	assert.ErrorIs(t, err, ErrNothingPending)
	_, err = s.Poll(h.ctx)
	assert.ErrorIs(t, err, ErrNothingPending)
	_, err = s.Yield(h.ctx, id1)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestYieldTimeoutKeepsJobPending(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.serve(func(ctx context.Context, req []byte) ([]byte, error) {
		<-release
		return req, nil
	})
	s := h.session(codec.JSON())

	id, err := s.Submit(h.ctx, "slow", protocol.CompressionNone)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Yield(short, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{id}, s.Pending())

	close(release)
	r, err := s.Yield(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "slow", r.Value)
}

func TestRefreshInterval(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())
	require.NoError(t, s.SetRefreshInterval(2))
	assert.ErrorIs(t, s.SetRefreshInterval(0), ErrBadInterval)

	for i := range 5 {
		_, err := s.Execute(h.ctx, i, protocol.CompressionNone)
		require.NoError(t, err)
	}
	// connect, then refreshes before the third and fifth job
	assert.Equal(t, int32(3), h.lookups.Load())
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.dialed, 3)
	assert.Equal(t, int32(1), h.dialed[0].closed.Load(), "idle channels close on reopen")
	assert.Equal(t, int32(1), h.dialed[1].closed.Load())
	assert.Zero(t, h.dialed[2].closed.Load())
}

func TestRetiredChannelClosesAfterLastResult(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())

	id, err := s.Submit(h.ctx, "in flight", protocol.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(h.ctx))

	h.mu.Lock()
	first := h.dialed[0]
	h.mu.Unlock()
	assert.Zero(t, first.closed.Load(), "retired channel with a pending job stays open")

	r, err := s.Yield(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "in flight", r.Value)
	assert.Equal(t, int32(1), first.closed.Load())

	got, err := s.Execute(h.ctx, "fresh", protocol.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestCloseDrainsPendingJobs(t *testing.T) {
	h := newHarness(t)
	var answered atomic.Int32
	h.serve(func(_ context.Context, req []byte) ([]byte, error) {
		answered.Add(1)
		return req, nil
	})
	s := h.session(codec.JSON())
	for i := range 3 {
		_, err := s.Submit(h.ctx, i, protocol.CompressionGzip)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close(h.ctx))
	assert.Equal(t, int32(3), answered.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, s.Pending())

	h.mu.Lock()
	assert.Equal(t, int32(1), h.dialed[0].closed.Load())
	h.mu.Unlock()

	_, err := s.Submit(h.ctx, "late", protocol.CompressionNone)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Connect(h.ctx, "", "wf"), ErrClosed)
	assert.NoError(t, s.Close(h.ctx))
}

func TestStateErrors(t *testing.T) {
	s := New(Options{Logger: zap.NewNop()})
	ctx := context.Background()
	_, err := s.Submit(ctx, "x", protocol.CompressionNone)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Yield(ctx, "")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Poll(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Refresh(ctx), ErrNotConnected)
	assert.Equal(t, StateUnconnected, s.State())
}

func TestConnectFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("coordinator down")
	s := New(Options{
		Source: sourceFunc(func(context.Context, string) (discovery.Topology, error) { return nil, boom }),
		Logger: zap.NewNop(),
	})
	assert.ErrorIs(t, s.Connect(ctx, "", "wf"), boom)
	assert.Equal(t, StateUnconnected, s.State())

	remoteIPC := discovery.Topology{"n": {transport.NewEndpoint("n", "elsewhere", transport.KindIPC, "ipc:///tmp/n")}}
	s = New(Options{
		Source:    sourceFunc(func(context.Context, string) (discovery.Topology, error) { return remoteIPC, nil }),
		LocalHost: "here",
		Logger:    zap.NewNop(),
	})
	assert.ErrorIs(t, s.Connect(ctx, "", "wf"), selector.ErrNoReachableEndpoint)
	assert.Equal(t, remoteIPC, s.Topology(), "topology reflects the latest response")
}

func TestSubmitSerializationError(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())
	_, err := s.Submit(h.ctx, make(chan int), protocol.CompressionNone)
	var se *codec.SerializationError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, s.Pending())
}

func TestUndecodableResultIsJobError(t *testing.T) {
	h := newHarness(t)
	h.serve(func(_ context.Context, req []byte) ([]byte, error) {
		var env protocol.Envelope
		if _, err := env.ReadFrom(bytesReader(req)); err != nil {
			return nil, err
		}
		env.Payload = []byte("{not json")
		return encode(env)
	})
	s := h.session(codec.JSON())
	id, err := s.Submit(h.ctx, "x", protocol.CompressionNone)
	require.NoError(t, err)
	_, err = s.Yield(h.ctx, id)
	var se *codec.SerializationError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, s.Pending())
	assert.Empty(t, s.Buffered())
}

func TestExecuteOverZMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := netstack.Listen(ctx, netstack.BackendZMQ, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() { _ = worker.Serve(ctx, l, worker.Echo) }()

	ep := transport.NewEndpoint("node1", "127.0.0.1", transport.KindTCP, "tcp://"+l.Addr().String())
	s := New(Options{
		Source: sourceFunc(func(context.Context, string) (discovery.Topology, error) {
			return discovery.Topology{"node1": {ep}}, nil
		}),
		Metric: anyDistance,
		Logger: zap.NewNop(),
	})
	require.NoError(t, s.Connect(ctx, "", "wf"))
	assert.Equal(t, ep, s.Endpoint())

	for _, c := range protocol.Compressions {
		got, err := s.Execute(ctx, map[any]any{"job": c.String()}, c)
		require.NoError(t, err, c.String())
		assert.Equal(t, map[any]any{"job": c.String()}, got)
	}
	require.NoError(t, s.Close(ctx))
}

func TestExecuteJobLargerThanOneFrame(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := h.session(codec.JSON())

	job := strings.Repeat("j", 17<<20)
	got, err := s.Execute(h.ctx, job, protocol.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	got, err = s.Execute(h.ctx, job, protocol.CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestYieldAnyDoesNotWaitOnSlowChannel(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.serve(func(ctx context.Context, req []byte) ([]byte, error) {
		if bytes.Contains(req, []byte(`"slow"`)) {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return req, nil
	})
	s := h.session(codec.JSON())

	slow, err := s.Submit(h.ctx, "slow", protocol.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(h.ctx))
	fast, err := s.Submit(h.ctx, "fast", protocol.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, []string{slow, fast}, s.Pending(), "dispatch order")

	short, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	r, err := s.Yield(short, "")
	require.NoError(t, err)
	assert.Equal(t, Result{ID: fast, Value: "fast"}, r)
	assert.Equal(t, []string{slow}, s.Pending())

	close(release)
	r, err = s.Yield(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Result{ID: slow, Value: "slow"}, r)
	assert.Empty(t, s.Pending())
}

func TestResultOverPayloadLimit(t *testing.T) {
	h := newHarness(t)
	h.serve(worker.Echo)
	s := New(Options{Source: h.source(), Dialer: h.dialer(), Codec: codec.JSON(), Metric: anyDistance,
		MaxPayload: 64, Logger: zap.NewNop()})
	require.NoError(t, s.Connect(h.ctx, "", "wf"))

	id, err := s.Submit(h.ctx, strings.Repeat("x", 100), protocol.CompressionSnappy)
	require.NoError(t, err)
	_, err = s.Yield(h.ctx, id)
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	assert.Empty(t, s.Pending())

	got, err := s.Execute(h.ctx, "small", protocol.CompressionSnappy)
	require.NoError(t, err, "channel still usable")
	assert.Equal(t, "small", got)
}
