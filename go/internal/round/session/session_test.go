package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

type fakeLink struct {
	mu          sync.Mutex
	sent        []protocol.Envelope
	frames      chan []byte
	lags        chan int
	reconnected chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		frames:      make(chan []byte, 16),
		lags:        make(chan int, 1),
		reconnected: make(chan struct{}, 1),
	}
}

func (l *fakeLink) Send(b []byte) error {
	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Frames() <-chan []byte         { return l.frames }
func (l *fakeLink) Lags() <-chan int              { return l.lags }
func (l *fakeLink) Reconnected() <-chan struct{} { return l.reconnected }

func (l *fakeLink) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sent))
	for _, e := range l.sent {
		out = append(out, e.T)
	}
	return out
}

type fakeSnapshots struct {
	mu      sync.Mutex
	data    *game.Data
	fetches int
}

func (f *fakeSnapshots) FetchSnapshot(context.Context) (*game.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.data == nil {
		return nil, errors.New("no snapshot")
	}
	cp := *f.data
	return &cp, nil
}

func started() *game.Data {
	return &game.Data{
		Game: game.Game{
			ID:     "g1",
			Turns:  1,
			Player: game.Gote,
			Status: game.Status{ID: game.StatusStarted, Name: "started"},
		},
		Player:   game.Player{Color: game.Sente, OnGame: true, Version: 3},
		Opponent: game.Player{Color: game.Gote, OnGame: true},
		Steps: []game.Step{
			{Ply: 0, Position: "sfen-0"},
			{Ply: 1, Position: "sfen-1", Move: "7g7f", Notation: "P-7f"},
		},
	}
}

type harness struct {
	clock     *clockwork.FakeClock
	link      *fakeLink
	snapshots *fakeSnapshots
	s         *Session
	cancel    context.CancelFunc
	errCh     chan error
	stopOnce  sync.Once
}

func start(t *testing.T, d *game.Data) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClock(),
		link:      newFakeLink(),
		snapshots: &fakeSnapshots{},
		errCh:     make(chan error, 1),
	}
	h.s = New(DefaultConfig(), h.clock, d, h.link, h.snapshots, Collaborators{})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- h.s.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.errCh
	})
}

func (h *harness) ply(t *testing.T) int {
	t.Helper()
	var ply int
	require.NoError(t, h.s.Do(context.Background(), func(r *ctrl.Controller) error {
		ply = game.LastPly(r.Data())
		return nil
	}))
	return ply
}

func TestFramesReachRound(t *testing.T) {
	h := start(t, started())

	h.link.frames <- []byte(`{"t":"move-applied","v":4,"d":{"ply":2,"usi":"3c3d","sfen":"sfen-2","san":"P-3d"}}`)

	require.Eventually(t, func() bool { return h.ply(t) == 2 }, time.Second, 5*time.Millisecond)
	d, err := h.s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, d.Player.Version)
	assert.True(t, game.IsPlayerTurn(&d))
}

func TestSubmitThroughDo(t *testing.T) {
	h := start(t, started())
	h.link.frames <- []byte(`{"t":"move-applied","v":4,"d":{"ply":2,"usi":"3c3d","sfen":"sfen-2","san":"P-3d"}}`)
	require.Eventually(t, func() bool { return h.ply(t) == 2 }, time.Second, 5*time.Millisecond)

	err := h.s.Do(context.Background(), func(r *ctrl.Controller) error {
		return r.SubmitMove(game.Move{Orig: "2g", Dest: "2f"}, ctrl.MoveMeta{})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.OutMove}, h.link.types())

	// Unacked, the move is resent once the wake timer fires.
	require.Eventually(t, func() bool {
		h.clock.Advance(500 * time.Millisecond)
		return len(h.link.types()) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.OutMove, h.link.types()[1])
}

func TestGapTriggersResync(t *testing.T) {
	d := started()
	h := start(t, d)

	fresh := started()
	fresh.Player.Version = 9
	fresh.Game.Turns = 5
	fresh.Steps = append(fresh.Steps,
		game.Step{Ply: 2, Position: "sfen-2"},
		game.Step{Ply: 3, Position: "sfen-3"},
		game.Step{Ply: 4, Position: "sfen-4"},
		game.Step{Ply: 5, Position: "sfen-5"},
	)
	h.snapshots.mu.Lock()
	h.snapshots.data = fresh
	h.snapshots.mu.Unlock()

	h.link.frames <- []byte(`{"t":"presence","v":9,"d":{"sente":true,"gote":false}}`)

	require.Eventually(t, func() bool { return h.ply(t) == 5 }, time.Second, 5*time.Millisecond)
}

func TestReconnectResyncs(t *testing.T) {
	h := start(t, started())
	h.snapshots.mu.Lock()
	h.snapshots.data = started()
	h.snapshots.mu.Unlock()

	h.link.reconnected <- struct{}{}

	require.Eventually(t, func() bool {
		h.snapshots.mu.Lock()
		defer h.snapshots.mu.Unlock()
		return h.snapshots.fetches == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunEndsWhenLinkCloses(t *testing.T) {
	h := &harness{clock: clockwork.NewFakeClock(), link: newFakeLink(), snapshots: &fakeSnapshots{}}
	s := New(DefaultConfig(), h.clock, started(), h.link, h.snapshots, Collaborators{})
	close(h.link.frames)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrLinkClosed)

	// The loop is gone: commands fail and the event stream ends.
	assert.ErrorIs(t, s.Do(context.Background(), func(*ctrl.Controller) error { return nil }), ErrStopped)
	for range s.Events() {
	}
}

func TestByeOnShutdown(t *testing.T) {
	d := started()
	d.Clock = &game.ClockData{Running: true, Initial: 300, Sente: 300, Gote: 300}
	h := start(t, d)
	h.stop()

	assert.Contains(t, h.link.types(), protocol.OutBye)
}
