package socket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

type fakeTransport struct {
	frames []protocol.Envelope
	fail   error
}

func (f *fakeTransport) Send(b []byte) error {
	if f.fail != nil {
		return f.fail
	}
	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeTransport) types() []string {
	out := make([]string, 0, len(f.frames))
	for _, e := range f.frames {
		out = append(out, e.T)
	}
	return out
}

// fakeSnapshots answers fetches in order from a fixed list of replies.
type fakeSnapshots struct {
	replies []reply
	calls   int
}

type reply struct {
	version int
	err     error
}

func (f *fakeSnapshots) FetchSnapshot(context.Context) (*game.Data, error) {
	r := f.replies[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	d := &game.Data{}
	d.Player.Version = r.version
	return d, nil
}

type fixture struct {
	clock     *clockwork.FakeClock
	sched     *scheduler.Scheduler
	transport *fakeTransport
	snapshots *fakeSnapshots
	m         *Manager
	deferred  []func()
}

func newFixture(t *testing.T, version int, replies ...reply) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clockwork.NewFakeClock(),
		transport: &fakeTransport{},
		snapshots: &fakeSnapshots{replies: replies},
	}
	f.sched = scheduler.New(f.clock)
	f.m = NewManager(DefaultConfig(), f.transport, f.sched, f.snapshots, version, Options{
		Post:  func(fn func()) { fn() },
		Async: func(fn func()) { f.deferred = append(f.deferred, fn) },
	})
	return f
}

// drain completes pending snapshot fetches, including retries they trigger.
func (f *fixture) drain() {
	for len(f.deferred) > 0 {
		fn := f.deferred[0]
		f.deferred = f.deferred[1:]
		fn()
	}
}

func push(t *testing.T, typ string, v int, payload any) []byte {
	t.Helper()
	env := protocol.Envelope{T: typ}
	if v > 0 {
		env.V = &v
	}
	b, err := protocol.Encode(env, payload)
	require.NoError(t, err)
	return b
}

func TestDeliverInOrder(t *testing.T) {
	f := newFixture(t, 3)
	var got []int
	f.m.Handle(protocol.KindMoveApplied, func(ev protocol.Event) {
		got = append(got, ev.(protocol.MoveApplied).Ply)
	})

	f.m.Deliver(push(t, "move-applied", 4, map[string]any{"ply": 7, "usi": "7g7f"}))
	f.m.Deliver(push(t, "move-applied", 5, map[string]any{"ply": 8, "usi": "3c3d"}))

	assert.Equal(t, []int{7, 8}, got)
	assert.Equal(t, 5, f.m.Version())
	assert.Empty(t, f.deferred)
}

func TestDeliverIgnoresReplayedVersion(t *testing.T) {
	f := newFixture(t, 5)
	calls := 0
	f.m.Handle(protocol.KindMoveApplied, func(protocol.Event) { calls++ })

	f.m.Deliver(push(t, "move-applied", 5, map[string]any{"ply": 8}))
	f.m.Deliver(push(t, "move-applied", 2, map[string]any{"ply": 4}))

	assert.Zero(t, calls)
	assert.Equal(t, 5, f.m.Version())
}

func TestGapTriggersResync(t *testing.T) {
	f := newFixture(t, 5, reply{version: 9})
	var snap *game.Data
	f.m.OnSnapshot(func(d *game.Data) { snap = d })
	calls := 0
	f.m.Handle(protocol.KindMoveApplied, func(protocol.Event) { calls++ })

	f.m.Deliver(push(t, "move-applied", 7, map[string]any{"ply": 10}))
	assert.True(t, f.m.Resyncing())

	// Pushes arriving while the fetch is in flight raise the target.
	f.m.Deliver(push(t, "move-applied", 8, map[string]any{"ply": 11}))
	f.drain()

	require.NotNil(t, snap)
	assert.Equal(t, 9, f.m.Version())
	assert.False(t, f.m.Resyncing())
	assert.Zero(t, calls)
	assert.Equal(t, 1, f.snapshots.calls)
}

func TestResyncRetriesOnceThenDesyncs(t *testing.T) {
	f := newFixture(t, 5, reply{version: 5}, reply{version: 6})
	var desync error
	f.m.OnDesync(func(err error) { desync = err })
	f.m.OnSnapshot(func(*game.Data) { t.Fatal("stale snapshot applied") })

	f.m.Deliver(push(t, "move-applied", 7, map[string]any{"ply": 10}))
	f.drain()

	assert.Equal(t, 2, f.snapshots.calls)
	require.Error(t, desync)
	assert.ErrorIs(t, desync, ErrDesync)
	assert.Equal(t, 5, f.m.Version())
	assert.False(t, f.m.Resyncing())
}

func TestResyncRetrySucceeds(t *testing.T) {
	f := newFixture(t, 5, reply{err: errors.New("timeout")}, reply{version: 7})
	applied := false
	f.m.OnSnapshot(func(*game.Data) { applied = true })
	f.m.OnDesync(func(error) { t.Fatal("unexpected desync") })

	f.m.Deliver(push(t, "move-applied", 7, map[string]any{"ply": 10}))
	f.drain()

	assert.True(t, applied)
	assert.Equal(t, 7, f.m.Version())
}

func TestReloadWithInnerMessageDispatchesIt(t *testing.T) {
	f := newFixture(t, 0)
	var by game.Color
	f.m.Handle(protocol.KindDrawOffered, func(ev protocol.Event) { by = ev.(protocol.DrawOffered).By })

	f.m.Deliver(push(t, "reload", 1, map[string]any{"t": "draw-offered", "d": map[string]any{"by": "gote"}}))

	assert.Equal(t, game.Gote, by)
	assert.Equal(t, 1, f.m.Version())
	assert.Empty(t, f.deferred)
}

func TestBareReloadTriggersResync(t *testing.T) {
	f := newFixture(t, 2, reply{version: 3})
	applied := false
	f.m.OnSnapshot(func(*game.Data) { applied = true })

	f.m.Deliver(push(t, "reload", 3, nil))
	f.drain()

	assert.True(t, applied)
	assert.Equal(t, 3, f.m.Version())
}

func TestUnknownAndMalformedFramesAreDropped(t *testing.T) {
	f := newFixture(t, 0)
	f.m.Deliver([]byte("{not json"))
	f.m.Deliver(push(t, "mystery", 0, nil))
	assert.False(t, f.m.Receive(protocol.KindBerserk, protocol.Berserk{Color: game.Sente}))
	assert.Equal(t, 0, f.m.Version())
}

func TestSendEnvelopeFields(t *testing.T) {
	f := newFixture(t, 0)
	f.m.SetLag(42)
	millis := 1200

	require.NoError(t, f.m.Send(protocol.OutMove, protocol.MovePayload{U: "7g7f"}, protocol.SendOpts{
		Ackable: true,
		WithLag: true,
		Millis:  &millis,
	}))

	require.Len(t, f.transport.frames, 1)
	env := f.transport.frames[0]
	assert.Equal(t, "move", env.T)
	assert.Equal(t, uint64(1), env.A)
	require.NotNil(t, env.L)
	assert.Equal(t, 42, *env.L)
	require.NotNil(t, env.S)
	assert.Equal(t, 1200, *env.S)

	var p protocol.MovePayload
	require.NoError(t, json.Unmarshal(env.D, &p))
	assert.Equal(t, "7g7f", p.U)
}

func TestAckableResendUntilAcked(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.m.Send(protocol.OutResign, nil, protocol.SendOpts{Ackable: true}))
	assert.Equal(t, 1, f.m.Unacked())

	f.clock.Advance(1500 * time.Millisecond)
	f.sched.RunDue()
	assert.Len(t, f.transport.frames, 2)

	f.m.Deliver(push(t, "ack", 0, map[string]any{"token": 1}))
	assert.Equal(t, 0, f.m.Unacked())

	f.clock.Advance(time.Minute)
	f.sched.RunDue()
	assert.Len(t, f.transport.frames, 2)
}

func TestAckableResendGivesUp(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.m.Send(protocol.OutBerserk, nil, protocol.SendOpts{Ackable: true}))

	for i := 0; i < 10; i++ {
		f.clock.Advance(1500 * time.Millisecond)
		f.sched.RunDue()
	}
	// One original frame plus five resends.
	assert.Len(t, f.transport.frames, 6)
	assert.Equal(t, 0, f.m.Unacked())
}

func TestNonAckableSendFailureIsReturned(t *testing.T) {
	f := newFixture(t, 0)
	f.transport.fail = errors.New("send buffer full")
	assert.Error(t, f.m.Send(protocol.OutMoreTime, nil, protocol.SendOpts{}))
}

func TestRateLimitedSenders(t *testing.T) {
	f := newFixture(t, 0)

	f.m.MoreTime()
	f.m.MoreTime()
	f.m.Berserk()
	f.m.Berserk()
	f.m.OutOfTime(game.Gote)
	f.m.OutOfTime(game.Gote)
	assert.Equal(t, []string{"more-time", "berserk", "flag"}, f.transport.types())

	f.clock.Advance(550 * time.Millisecond)
	f.sched.RunDue()
	assert.Equal(t, []string{"more-time", "berserk", "flag", "flag"}, f.transport.types())

	var p protocol.FlagPayload
	require.NoError(t, json.Unmarshal(f.transport.frames[3].D, &p))
	assert.Equal(t, game.Gote, p.Color)
}
