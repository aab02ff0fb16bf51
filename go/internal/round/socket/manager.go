package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/ratelimit"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

// ErrDesync is reported when a resync could not catch up with the server.
var ErrDesync = errors.New("unrecoverable desync")

// Transport carries encoded frames to the server.
type Transport interface {
	Send(b []byte) error
}

// SnapshotProvider fetches the full authoritative state of the round.
// The snapshot version is carried in Player.Version.
type SnapshotProvider interface {
	FetchSnapshot(ctx context.Context) (*game.Data, error)
}

// Handler receives a decoded event.
type Handler func(protocol.Event)

// Config holds delivery tuning.
type Config struct {
	AckResend      time.Duration
	AckMaxResend   int
	ResyncTimeout  time.Duration
	MoreTimeEvery  time.Duration
	BerserkEvery   time.Duration
	FlagBackoff    time.Duration
	FlagBackoffMul float64
}

// DefaultConfig returns the delivery settings the round server expects.
func DefaultConfig() Config {
	return Config{
		AckResend:      1500 * time.Millisecond,
		AckMaxResend:   5,
		ResyncTimeout:  10 * time.Second,
		MoreTimeEvery:  300 * time.Millisecond,
		BerserkEvery:   200 * time.Millisecond,
		FlagBackoff:    500 * time.Millisecond,
		FlagBackoffMul: 1.1,
	}
}

// Options wire the manager into its event loop.
type Options struct {
	// Post hands a continuation back to the event loop.
	Post func(func())
	// Async runs blocking work away from the event loop.
	Async func(func())
}

const (
	taskAckPrefix = "ack:"
	taskFlag      = scheduler.TaskName("flag")
)

type pendingAck struct {
	frame    []byte
	typ      string
	attempts int
}

// Manager is the connection manager of a round: it sends, receives, orders
// authoritative pushes by version and resynchronizes on gaps.
type Manager struct {
	cfg       Config
	transport Transport
	sched     *scheduler.Scheduler
	snapshots SnapshotProvider
	post      func(func())
	async     func(func())
	ctx       context.Context

	handlers   map[protocol.Kind]Handler
	onSnapshot func(*game.Data)
	onDesync   func(error)

	version       int
	resyncing     bool
	resyncRetried bool
	resyncTarget  int

	ackSeq    uint64
	pending   map[uint64]*pendingAck
	lagMillis int

	moreTime  func()
	berserk   func()
	outOfTime *ratelimit.Backoff
	flagColor game.Color

	logger zerolog.Logger
}

// NewManager creates a connection manager starting at version.
func NewManager(cfg Config, transport Transport, sched *scheduler.Scheduler, snapshots SnapshotProvider, version int, opts Options) *Manager {
	m := &Manager{
		cfg:        cfg,
		transport:  transport,
		sched:      sched,
		snapshots:  snapshots,
		post:       opts.Post,
		async:      opts.Async,
		ctx:        context.Background(),
		handlers:   make(map[protocol.Kind]Handler),
		onSnapshot: func(*game.Data) {},
		onDesync:   func(error) {},
		version:    version,
		pending:    make(map[uint64]*pendingAck),
		logger:     log.With().Str("component", "socket").Logger(),
	}
	if m.post == nil {
		m.post = func(fn func()) { fn() }
	}
	if m.async == nil {
		m.async = func(fn func()) { go fn() }
	}

	clock := sched.Clock()
	m.moreTime = ratelimit.Throttle(clock, cfg.MoreTimeEvery, func() {
		m.send(protocol.OutMoreTime, nil, protocol.SendOpts{})
	})
	m.berserk = ratelimit.Throttle(clock, cfg.BerserkEvery, func() {
		m.send(protocol.OutBerserk, nil, protocol.SendOpts{Ackable: true})
	})
	m.outOfTime = ratelimit.NewBackoff(sched, taskFlag, cfg.FlagBackoff, cfg.FlagBackoffMul, func() {
		m.send(protocol.OutFlag, protocol.FlagPayload{Color: m.flagColor}, protocol.SendOpts{})
	})
	return m
}

// Bind sets the context resync fetches derive from.
func (m *Manager) Bind(ctx context.Context) {
	m.ctx = ctx
}

// Handle registers the handler for kind, replacing any previous one.
func (m *Manager) Handle(kind protocol.Kind, h Handler) {
	m.handlers[kind] = h
}

// OnSnapshot registers the consumer of resync snapshots.
func (m *Manager) OnSnapshot(fn func(*game.Data)) {
	m.onSnapshot = fn
}

// OnDesync registers the callback for the unrecoverable desync condition.
func (m *Manager) OnDesync(fn func(error)) {
	m.onDesync = fn
}

// Version is the last applied push version.
func (m *Manager) Version() int {
	return m.version
}

// Resyncing reports whether a snapshot fetch is in flight.
func (m *Manager) Resyncing() bool {
	return m.resyncing
}

// Lag is the last measured one-way lag in millis.
func (m *Manager) Lag() int {
	return m.lagMillis
}

// SetLag records a lag measurement from the transport.
func (m *Manager) SetLag(millis int) {
	if millis < 0 {
		millis = 0
	}
	m.lagMillis = millis
}

// Send encodes and enqueues an outgoing message.
func (m *Manager) Send(typ string, payload any, opts protocol.SendOpts) error {
	return m.send(typ, payload, opts)
}

func (m *Manager) send(typ string, payload any, opts protocol.SendOpts) error {
	env := protocol.Envelope{T: typ, S: opts.Millis}
	if opts.Ackable {
		m.ackSeq++
		env.A = m.ackSeq
	}
	if opts.WithLag {
		lag := m.lagMillis
		env.L = &lag
	}

	frame, err := protocol.Encode(env, payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	if opts.Ackable {
		m.pending[env.A] = &pendingAck{frame: frame, typ: typ}
		m.scheduleResend(env.A)
	}

	if err := m.transport.Send(frame); err != nil {
		// Ackable frames get another chance from the resend task.
		m.logger.Warn().Err(err).Str("type", typ).Msg("failed to enqueue message")
		if !opts.Ackable {
			return fmt.Errorf("send %s: %w", typ, err)
		}
	}

	m.logger.Debug().Str("type", typ).Uint64("ack", env.A).Msg("message sent")
	return nil
}

// MoreTime asks the server to give the opponent more time, throttled.
func (m *Manager) MoreTime() {
	m.moreTime()
}

// Berserk announces berserk, throttled.
func (m *Manager) Berserk() {
	m.berserk()
}

// OutOfTime claims that color has flagged. Repeated claims back off.
func (m *Manager) OutOfTime(color game.Color) {
	m.flagColor = color
	m.outOfTime.Call()
}

// Receive dispatches ev to its registered handler and reports whether one existed.
func (m *Manager) Receive(kind protocol.Kind, ev protocol.Event) bool {
	h, ok := m.handlers[kind]
	if !ok {
		return false
	}
	h(ev)
	return true
}

// Deliver processes a raw incoming frame: decode, order, dispatch.
func (m *Manager) Deliver(raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		m.logger.Warn().Err(err).Int("size", len(raw)).Msg("dropping undecodable frame")
		return
	}

	if env.Versioned() {
		v := *env.V
		if m.resyncing {
			if v > m.resyncTarget {
				m.resyncTarget = v
			}
			m.logger.Debug().Int("version", v).Msg("push during resync, covered by snapshot")
			return
		}
		if v <= m.version {
			m.logger.Debug().Int("version", v).Int("current", m.version).Msg("ignoring replayed push")
			return
		}
		if v != m.version+1 {
			m.logger.Warn().
				Int("version", v).
				Int("current", m.version).
				Str("type", env.T).
				Msg("version gap detected, resyncing")
			m.resync(v)
			return
		}
		m.version = v
	}

	m.dispatchEnvelope(env)
}

func (m *Manager) dispatchEnvelope(env protocol.Envelope) {
	ev, err := protocol.ParseEvent(env)
	if err != nil {
		m.logger.Warn().Err(err).Str("type", env.T).Msg("dropping invalid message")
		return
	}

	switch e := ev.(type) {
	case protocol.Ack:
		m.ack(e.Token)
	case protocol.Reload:
		if e.Inner != nil {
			m.dispatchEnvelope(*e.Inner)
			return
		}
		m.resync(m.version)
	default:
		if !m.Receive(ev.Kind(), ev) {
			m.logger.Debug().Str("type", env.T).Msg("no handler registered")
		}
	}
}

// RequestResync fetches a full snapshot at least as recent as the current version.
func (m *Manager) RequestResync() {
	m.resync(m.version)
}

func (m *Manager) resync(target int) {
	if target > m.resyncTarget {
		m.resyncTarget = target
	}
	if m.resyncing {
		return
	}
	m.resyncing = true
	m.resyncRetried = false
	m.fetchSnapshot()
}

func (m *Manager) fetchSnapshot() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ResyncTimeout)
	m.async(func() {
		defer cancel()
		data, err := m.snapshots.FetchSnapshot(ctx)
		m.post(func() { m.onFetched(data, err) })
	})
}

func (m *Manager) onFetched(data *game.Data, err error) {
	if !m.resyncing {
		return
	}

	behind := err != nil || data == nil || data.Player.Version < m.resyncTarget
	if behind {
		evt := m.logger.Warn().Err(err).Int("target", m.resyncTarget)
		if data != nil {
			evt = evt.Int("snapshot_version", data.Player.Version)
		}
		if !m.resyncRetried {
			m.resyncRetried = true
			evt.Msg("snapshot behind, retrying once")
			m.fetchSnapshot()
			return
		}
		evt.Msg("snapshot still behind after retry")
		target := m.resyncTarget
		m.resyncing = false
		m.resyncTarget = 0
		if err == nil {
			err = fmt.Errorf("snapshot behind version %d", target)
		}
		m.onDesync(fmt.Errorf("%w: %v", ErrDesync, err))
		return
	}

	if data.Player.Version > m.version {
		m.version = data.Player.Version
	}
	m.resyncing = false
	m.resyncTarget = 0
	m.logger.Info().Int("version", m.version).Msg("resynced from snapshot")
	m.onSnapshot(data)
}

func (m *Manager) ackTask(token uint64) scheduler.TaskName {
	return scheduler.TaskName(fmt.Sprintf("%s%d", taskAckPrefix, token))
}

func (m *Manager) scheduleResend(token uint64) {
	m.sched.Schedule(m.ackTask(token), m.cfg.AckResend, func() { m.resend(token) })
}

func (m *Manager) resend(token uint64) {
	p, ok := m.pending[token]
	if !ok {
		return
	}
	p.attempts++
	if p.attempts > m.cfg.AckMaxResend {
		delete(m.pending, token)
		m.logger.Warn().Str("type", p.typ).Uint64("ack", token).Msg("giving up on unacknowledged message")
		return
	}
	if err := m.transport.Send(p.frame); err != nil {
		m.logger.Warn().Err(err).Str("type", p.typ).Msg("failed to resend message")
	}
	m.scheduleResend(token)
}

func (m *Manager) ack(token uint64) {
	if _, ok := m.pending[token]; !ok {
		return
	}
	delete(m.pending, token)
	m.sched.Cancel(m.ackTask(token))
}

// Unacked returns the number of ackable messages awaiting acknowledgement.
func (m *Manager) Unacked() int {
	return len(m.pending)
}
