// Package client submits jobs to the nearest worker of a workflow and
// collects their results.
//
// A Session discovers the workflow's nodes, picks the closest endpoint and
// keeps one active channel to it. Results may arrive in any order; the
// correlation id carried by every response ties it to its job, and results
// that arrive before they are asked for are buffered. Every operation holds
// the session lock for its whole duration, so a blocked Yield delays other
// calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobmux/pkg/core/netstack"
	"jobmux/pkg/discovery"
	"jobmux/pkg/protocol"
	"jobmux/pkg/protocol/codec"
	"jobmux/pkg/selector"
	"jobmux/pkg/transport"
)

// DefaultRefreshInterval is the number of submissions between topology
// refreshes.
const DefaultRefreshInterval = 100

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrClosed         = errors.New("client: session closed")
	ErrNothingPending = errors.New("client: no pending or buffered results")
	ErrUnknownJob     = errors.New("client: unknown job")
	ErrBadInterval    = errors.New("client: refresh interval must be at least 1")
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Session. Zero values pick the defaults noted per field.
type Options struct {
	// Source overrides the coordinator client built by Connect.
	Source discovery.Source
	// Dialer opens channels; defaults to the zmq backend.
	Dialer transport.Dialer
	// Codec serializes jobs; defaults to pickle.
	Codec codec.Codec
	// Metric ranks endpoints; defaults to selector.SameHost.
	Metric selector.Metric
	// LocalHost is the host name endpoints are measured from; defaults to
	// os.Hostname.
	LocalHost       string
	RefreshInterval int
	// MaxPayload bounds a decompressed result; defaults to
	// protocol.DefaultMaxPayload.
	MaxPayload int64
	Logger     *zap.Logger
}

// Result is a claimed job result.
type Result struct {
	ID    string
	Value any
}

type result struct {
	value any
	err   error
}

type received struct {
	env protocol.Envelope
	err error
}

// Session is a job client bound to one workflow.
type Session struct {
	mu  sync.Mutex
	log *zap.Logger

	source   discovery.Source
	workflow string
	sel      *selector.Selector
	codec    codec.Codec
	mgr      *transport.Manager
	limit    int64

	state     State
	topo      discovery.Topology
	endpoint  transport.Endpoint
	interval  int
	submitted int

	results map[string]result
	order   []string
	// reads in progress per channel, left behind by cancelled waits or
	// started by a wait on several channels
	inflight map[transport.ChannelID]chan received
	// signalled whenever an in-flight read completes
	wake chan struct{}
}

// New returns an unconnected Session.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	log = log.Named("client")
	d := opts.Dialer
	if d == nil {
		d = netstack.DefaultDialer(netstack.Options{Logger: log})
	}
	c := opts.Codec
	if c == nil {
		c = codec.Pickle()
	}
	sel := selector.New(opts.Metric)
	sel.Log = log
	if opts.LocalHost != "" {
		sel.LocalHost = opts.LocalHost
	}
	interval := opts.RefreshInterval
	if interval < 1 {
		interval = DefaultRefreshInterval
	}
	return &Session{
		log:      log,
		source:   opts.Source,
		sel:      sel,
		codec:    c,
		mgr:      transport.NewManager(d, log),
		interval: interval,
		limit:    opts.MaxPayload,
		results:  make(map[string]result),
		inflight: make(map[transport.ChannelID]chan received),
		wake:     make(chan struct{}, 1),
	}
}

// Connect discovers workflow through the coordinator at addr (host:port),
// unless Options.Source was set, and opens a channel to the nearest
// endpoint.
func (s *Session) Connect(ctx context.Context, addr, workflow string) error {
	src := s.source
	if src == nil {
		c := discovery.NewClient(addr)
		c.Log = s.log
		src = c
	}
	return s.ConnectSource(ctx, src, workflow)
}

// ConnectSource is Connect with an explicit topology source.
func (s *Session) ConnectSource(ctx context.Context, src discovery.Source, workflow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if err := s.connect(ctx, src, workflow); err != nil {
		return err
	}
	s.source, s.workflow = src, workflow
	s.state = StateConnected
	return nil
}

// connect runs discovery, selection and open. On failure the previous
// channel stays active.
func (s *Session) connect(ctx context.Context, src discovery.Source, workflow string) error {
	topo, err := src.Nodes(ctx, workflow)
	if err != nil {
		return err
	}
	s.topo = topo
	ep, err := s.sel.Select(topo)
	if err != nil {
		return err
	}
	id, err := s.mgr.Open(ctx, ep)
	if err != nil {
		return fmt.Errorf("open %s: %w", ep, err)
	}
	s.endpoint = ep
	s.submitted = 0
	s.log.Info("connected", zap.String("workflow", workflow), zap.Stringer("endpoint", ep),
		zap.Uint64("channel", uint64(id)), zap.Int("nodes", len(topo)))
	return nil
}

// Refresh repeats discovery and selection and reopens the channel.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.connect(ctx, s.source, s.workflow)
}

// SetRefreshInterval sets how many submissions may pass between refreshes.
func (s *Session) SetRefreshInterval(n int) error {
	if n < 1 {
		return ErrBadInterval
	}
	s.mu.Lock()
	s.interval = n
	s.mu.Unlock()
	return nil
}

func (s *Session) check() error {
	switch s.state {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

// Submit sends job and returns its correlation id.
func (s *Session) Submit(ctx context.Context, job any, c protocol.Compression) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	payload, err := s.codec.Marshal(job)
	if err != nil {
		return "", err
	}
	s.submitted++
	if s.submitted > s.interval {
		if err := s.connect(ctx, s.source, s.workflow); err != nil {
			return "", fmt.Errorf("refresh: %w", err)
		}
		s.submitted = 1
	}
	_, ch, err := s.mgr.Active()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	env := protocol.Envelope{Header: protocol.Header{Correlation: id, Compression: c}, Payload: payload}
	if err := protocol.Send(ch, &env); err != nil {
		return "", fmt.Errorf("send job %s: %w", id, err)
	}
	chID, err := s.mgr.Dispatch(id)
	if err != nil {
		return "", err
	}
	s.log.Debug("job submitted", zap.String("job", id), zap.Uint64("channel", uint64(chID)),
		zap.Stringer("compression", c), zap.Int("bytes", len(payload)))
	return id, nil
}

// Yield waits for the result of job id and claims it. With an empty id the
// oldest buffered result is claimed, or else the first result to arrive on
// any channel that still owes one. Responses
// to other jobs that arrive meanwhile are buffered. If ctx ends first the
// job stays pending and a later Yield can still claim it.
func (s *Session) Yield(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return Result{}, err
	}
	for {
		if id == "" && len(s.order) > 0 {
			return s.claim(s.order[0])
		}
		if id != "" {
			if _, ok := s.results[id]; ok {
				return s.claim(id)
			}
		}
		if id == "" {
			chans := s.mgr.PendingChannels()
			if len(chans) == 0 {
				return Result{}, ErrNothingPending
			}
			chID, rcv, err := s.readAny(ctx, chans)
			if err != nil {
				return Result{}, err
			}
			if _, err := s.deliver(chID, rcv.env, rcv.err); err != nil {
				return Result{}, err
			}
			continue
		}
		chID, ok := s.mgr.ChannelFor(id)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if _, err := s.receive(ctx, chID); err != nil {
			return Result{}, err
		}
	}
}

// Poll waits for the next response on the active channel, buffers it and
// returns its correlation id.
func (s *Session) Poll(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	chID, _, err := s.mgr.Active()
	if err != nil {
		return "", err
	}
	if s.mgr.Refs(chID) <= 0 {
		return "", ErrNothingPending
	}
	for {
		id, err := s.receive(ctx, chID)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
}

// Execute submits job and waits for its result.
func (s *Session) Execute(ctx context.Context, job any, c protocol.Compression) (any, error) {
	id, err := s.Submit(ctx, job, c)
	if err != nil {
		return nil, err
	}
	r, err := s.Yield(ctx, id)
	return r.Value, err
}

func (s *Session) claim(id string) (Result, error) {
	r := s.results[id]
	delete(s.results, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return Result{ID: id, Value: r.value}, r.err
}

// receive reads one response from a channel and buffers it. It returns the
// job id, or "" when the response belonged to no pending job.
func (s *Session) receive(ctx context.Context, chID transport.ChannelID) (string, error) {
	env, err := s.read(ctx, chID)
	return s.deliver(chID, env, err)
}

// deliver buffers a response read off chID.
func (s *Session) deliver(chID transport.ChannelID, env protocol.Envelope, err error) (string, error) {
	id := env.Header.Correlation
	if _, pending := s.mgr.ChannelFor(id); !pending {
		if err != nil {
			return "", err
		}
		s.log.Warn("dropping response for unknown job", zap.String("job", id), zap.Uint64("channel", uint64(chID)))
		return "", nil
	}
	if rerr := s.mgr.Release(id); rerr != nil {
		return "", rerr
	}
	var r result
	if err != nil {
		r.err = fmt.Errorf("job %s: %w", id, err)
	} else if uerr := s.codec.Unmarshal(env.Payload, &r.value); uerr != nil {
		r.err = fmt.Errorf("job %s: %w", id, uerr)
	}
	s.results[id] = r
	s.order = append(s.order, id)
	s.log.Debug("job result buffered", zap.String("job", id), zap.Uint64("channel", uint64(chID)), zap.Bool("failed", r.err != nil))
	return id, nil
}

// start makes sure a read is in flight on chID and returns where its
// result will land.
func (s *Session) start(chID transport.ChannelID) (chan received, error) {
	if out := s.inflight[chID]; out != nil {
		return out, nil
	}
	ch, ok := s.mgr.Channel(chID)
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", chID, transport.ErrNoActiveChannel)
	}
	out := make(chan received, 1)
	s.inflight[chID] = out
	limit, wake := s.limit, s.wake
	go func() {
		env, err := protocol.RecvLimit(ch, limit)
		out <- received{env: env, err: err}
		select {
		case wake <- struct{}{}:
		default:
		}
	}()
	return out, nil
}

// read takes one whole message off a channel. A read interrupted by ctx
// keeps running and is picked up by the next read of the same channel.
func (s *Session) read(ctx context.Context, chID transport.ChannelID) (protocol.Envelope, error) {
	out, err := s.start(chID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case r := <-out:
		delete(s.inflight, chID)
		return r.env, r.err
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// readAny reads from whichever of chans delivers first. Reads are started
// on all of them; when several are ready the earliest in chans wins.
func (s *Session) readAny(ctx context.Context, chans []transport.ChannelID) (transport.ChannelID, received, error) {
	outs := make([]chan received, len(chans))
	for i, chID := range chans {
		out, err := s.start(chID)
		if err != nil {
			return 0, received{}, err
		}
		outs[i] = out
	}
	for {
		for i, out := range outs {
			select {
			case r := <-out:
				delete(s.inflight, chans[i])
				return chans[i], r, nil
			default:
			}
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return 0, received{}, ctx.Err()
		}
	}
}

// Close waits for one response per pending job, bounded by ctx, then closes
// every channel. Buffered results are discarded.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	var drainErr error
	for {
		chans := s.mgr.PendingChannels()
		if len(chans) == 0 {
			break
		}
		chID, rcv, err := s.readAny(ctx, chans)
		if err == nil {
			_, err = s.deliver(chID, rcv.env, rcv.err)
		}
		if err != nil {
			drainErr = err
			s.log.Warn("drain stopped", zap.Int("pending", len(s.mgr.Pending())), zap.Error(err))
			break
		}
	}
	err := s.mgr.CloseAll()
	s.state = StateClosed
	clear(s.results)
	s.order = nil
	clear(s.inflight)
	s.log.Info("closed", zap.String("workflow", s.workflow))
	if errors.Is(drainErr, context.Canceled) || errors.Is(drainErr, context.DeadlineExceeded) {
		drainErr = nil
	}
	return errors.Join(drainErr, err)
}

// State reports the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topology returns a copy of the latest discovered topology.
func (s *Session) Topology() discovery.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.topo)
}

// Endpoint returns the endpoint of the active channel.
func (s *Session) Endpoint() transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Pending lists submitted jobs whose responses have not arrived, oldest
// first.
func (s *Session) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr.Pending()
}

// Buffered lists jobs whose results arrived but were not claimed, in
// arrival order.
func (s *Session) Buffered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}
