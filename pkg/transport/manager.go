package transport

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// ChannelID identifies a channel registered with a Manager. Ids are never
// reused within one Manager.
type ChannelID uint64

var (
	ErrNoActiveChannel = errors.New("transport: no active channel")
	ErrDuplicateJob    = errors.New("transport: job already dispatched")
	ErrUnknownJob      = errors.New("transport: unknown job")
)

type channelEntry struct {
	ch   Channel
	refs int
}

type pendingJob struct {
	ch  ChannelID
	seq uint64
}

// Manager owns the active channel and every retired channel that still has
// jobs in flight. A channel is closed once it is no longer active and its
// reference count is zero.
//
// Manager is not safe for concurrent use; callers serialize access.
type Manager struct {
	dialer   Dialer
	log      *zap.Logger
	nextID   ChannelID
	active   ChannelID
	channels map[ChannelID]*channelEntry
	pending  map[string]pendingJob
	seq      uint64
}

// NewManager returns a Manager dialing through d. A nil logger means zap.L().
func NewManager(d Dialer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.L()
	}
	return &Manager{
		dialer:   d,
		log:      log.Named("transport"),
		channels: make(map[ChannelID]*channelEntry),
		pending:  make(map[string]pendingJob),
	}
}

// Open dials ep and installs the result as the active channel. The previous
// active channel is closed right away when idle and retired otherwise. On
// dial failure the previous channel stays active.
func (m *Manager) Open(ctx context.Context, ep Endpoint) (ChannelID, error) {
	ch, err := m.dialer.Dial(ctx, ep)
	if err != nil {
		return 0, err
	}
	m.nextID++
	id := m.nextID
	m.channels[id] = &channelEntry{ch: ch}
	prev := m.active
	m.active = id
	m.log.Debug("channel opened", zap.Uint64("channel", uint64(id)), zap.Stringer("endpoint", ep))
	if e := m.channels[prev]; e != nil {
		if e.refs == 0 {
			m.closeChannel(prev)
		} else {
			m.log.Debug("channel retired", zap.Uint64("channel", uint64(prev)), zap.Int("refs", e.refs))
		}
	}
	return id, nil
}

// Active returns the active channel and its id.
func (m *Manager) Active() (ChannelID, Channel, error) {
	e := m.channels[m.active]
	if e == nil {
		return 0, nil, ErrNoActiveChannel
	}
	return m.active, e.ch, nil
}

// Channel returns the registered channel with the given id.
func (m *Manager) Channel(id ChannelID) (Channel, bool) {
	e := m.channels[id]
	if e == nil {
		return nil, false
	}
	return e.ch, true
}

// Dispatch credits the active channel with the job identified by corr.
func (m *Manager) Dispatch(corr string) (ChannelID, error) {
	e := m.channels[m.active]
	if e == nil {
		return 0, ErrNoActiveChannel
	}
	if _, ok := m.pending[corr]; ok {
		return 0, ErrDuplicateJob
	}
	e.refs++
	m.seq++
	m.pending[corr] = pendingJob{ch: m.active, seq: m.seq}
	return m.active, nil
}

// Release debits the channel the job was dispatched on. A retired channel
// whose count drops to zero is closed.
func (m *Manager) Release(corr string) error {
	job, ok := m.pending[corr]
	if !ok {
		return ErrUnknownJob
	}
	delete(m.pending, corr)
	id := job.ch
	e := m.channels[id]
	if e == nil {
		return nil
	}
	e.refs--
	if e.refs == 0 && id != m.active {
		m.closeChannel(id)
	}
	return nil
}

// ChannelFor reports which channel a pending job was dispatched on.
func (m *Manager) ChannelFor(corr string) (ChannelID, bool) {
	job, ok := m.pending[corr]
	return job.ch, ok
}

// Refs returns the reference count of a registered channel, or -1.
func (m *Manager) Refs(id ChannelID) int {
	if e := m.channels[id]; e != nil {
		return e.refs
	}
	return -1
}

// Pending returns the correlation ids of all dispatched, unreleased jobs,
// oldest dispatch first.
func (m *Manager) Pending() []string {
	out := make([]string, 0, len(m.pending))
	for corr := range m.pending {
		out = append(out, corr)
	}
	sort.Slice(out, func(i, j int) bool { return m.pending[out[i]].seq < m.pending[out[j]].seq })
	return out
}

// PendingChannels returns the channels that still owe responses, ordered by
// their oldest pending job.
func (m *Manager) PendingChannels() []ChannelID {
	var out []ChannelID
	seen := make(map[ChannelID]bool)
	for _, corr := range m.Pending() {
		id := m.pending[corr].ch
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// CloseAll closes every registered channel and forgets all pending jobs.
func (m *Manager) CloseAll() error {
	var errs []error
	ids := make([]ChannelID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := m.closeChannel(id); err != nil {
			errs = append(errs, err)
		}
	}
	m.active = 0
	clear(m.pending)
	return errors.Join(errs...)
}

func (m *Manager) closeChannel(id ChannelID) error {
	e := m.channels[id]
	if e == nil {
		return nil
	}
	delete(m.channels, id)
	if m.active == id {
		m.active = 0
	}
	err := e.ch.Close()
	m.log.Debug("channel closed", zap.Uint64("channel", uint64(id)), zap.Stringer("endpoint", e.ch.Endpoint()), zap.Error(err))
	return err
}
