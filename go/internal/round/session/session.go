// Package session runs one round: it builds the explicit context every
// component shares and drives them from a single event loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
	"github.com/mcdev12/roundsync/go/internal/round/socket"
)

var (
	ErrLinkClosed = errors.New("link closed")
	ErrStopped    = errors.New("session stopped")
)

// Link is the connection to the round server.
type Link interface {
	Send(b []byte) error
	// Frames delivers raw incoming frames. It is closed when the link is gone for good.
	Frames() <-chan []byte
	// Lags delivers one-way lag measurements in millis.
	Lags() <-chan int
	// Reconnected fires after the link came back from a drop.
	Reconnected() <-chan struct{}
}

// Collaborators are the outer components the round invokes.
type Collaborators struct {
	Board    ctrl.Board
	Notifier ctrl.Notifier
	Sound    ctrl.Sound
}

// Config groups the settings of every component of a session.
type Config struct {
	Socket     socket.Config
	Round      ctrl.Config
	PostBuffer int
	IdleWake   time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Socket:     socket.DefaultConfig(),
		Round:      ctrl.DefaultConfig(),
		PostBuffer: 64,
		IdleWake:   time.Minute,
	}
}

// Session is the explicit context of one round.
type Session struct {
	ID     uuid.UUID
	cfg    Config
	clock  clockwork.Clock
	sched  *scheduler.Scheduler
	socket *socket.Manager
	round  *ctrl.Controller
	link   Link
	posts  chan func()
	done   chan struct{}
	logger zerolog.Logger
}

// New wires a session over the initial snapshot d.
func New(cfg Config, clock clockwork.Clock, d *game.Data, link Link, snapshots socket.SnapshotProvider, collab Collaborators) *Session {
	s := &Session{
		ID:    uuid.New(),
		cfg:   cfg,
		clock: clock,
		sched: scheduler.New(clock),
		link:  link,
		posts: make(chan func(), cfg.PostBuffer),
		done:  make(chan struct{}),
	}
	s.logger = log.With().
		Str("session_id", s.ID.String()).
		Str("game_id", d.Game.ID).
		Logger()

	s.socket = socket.NewManager(cfg.Socket, link, s.sched, snapshots, d.Player.Version, socket.Options{
		Post:  s.Post,
		Async: func(fn func()) { go fn() },
	})
	s.round = ctrl.New(cfg.Round, d, ctrl.Deps{
		Socket:   s.socket,
		Sched:    s.sched,
		Board:    collab.Board,
		Notifier: collab.Notifier,
		Sound:    collab.Sound,
	})
	for kind, h := range s.round.Handlers() {
		s.socket.Handle(kind, h)
	}
	s.socket.OnSnapshot(s.round.Reload)
	s.socket.OnDesync(s.round.HandleDesync)
	return s
}

// Events is the round's typed event stream. It is closed when Run returns.
func (s *Session) Events() <-chan ctrl.Event {
	return s.round.Events()
}

// Post queues fn to run on the event loop. Calls after the loop stopped are dropped.
func (s *Session) Post(fn func()) {
	select {
	case s.posts <- fn:
	case <-s.done:
	}
}

// Do runs fn on the event loop with the round controller and waits for its result.
func (s *Session) Do(ctx context.Context, fn func(r *ctrl.Controller) error) error {
	errCh := make(chan error, 1)
	select {
	case s.posts <- func() { errCh <- fn(s.round) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the round state taken on the event loop,
// stamped with the last applied push version.
func (s *Session) Snapshot(ctx context.Context) (game.Data, error) {
	var d game.Data
	err := s.Do(ctx, func(r *ctrl.Controller) error {
		d = r.Snapshot()
		d.Player.Version = s.socket.Version()
		return nil
	})
	return d, err
}

// Run drives the round until ctx is done or the link is gone.
func (s *Session) Run(ctx context.Context) error {
	s.socket.Bind(ctx)
	s.logger.Info().Int("version", s.socket.Version()).Msg("session started")

	timer := s.clock.NewTimer(s.cfg.IdleWake)
	defer timer.Stop()
	defer func() {
		s.round.Close()
		close(s.done)
		s.logger.Info().Msg("session stopped")
	}()

	for {
		s.sched.RunDue()
		s.resetWake(timer)

		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-s.link.Frames():
			if !ok {
				return fmt.Errorf("run session: %w", ErrLinkClosed)
			}
			s.socket.Deliver(raw)
		case lag := <-s.link.Lags():
			s.socket.SetLag(lag)
		case <-s.link.Reconnected():
			s.logger.Info().Msg("link reconnected, resyncing")
			s.socket.RequestResync()
		case fn := <-s.posts:
			fn()
		case <-timer.Chan():
		}
	}
}

// resetWake points the wake timer at the next scheduled task.
func (s *Session) resetWake(timer clockwork.Timer) {
	wait := s.cfg.IdleWake
	if next, ok := s.sched.NextDue(); ok {
		wait = next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
	}
	stopAndDrainTimer(timer)
	timer.Reset(wait)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
