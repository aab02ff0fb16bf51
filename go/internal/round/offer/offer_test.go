package offer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

type recorder struct {
	sent []string
}

func (r *recorder) Send(typ string, _ any, _ protocol.SendOpts) error {
	r.sent = append(r.sent, typ)
	return nil
}

func newDraw(t *testing.T, self game.Color, confirm bool) (*Negotiation, *recorder, *clockwork.FakeClock, *scheduler.Scheduler) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	sched := scheduler.New(fc)
	rec := &recorder{}
	cfg := DefaultConfigs()[Draw]
	cfg.Confirm = confirm
	return New(cfg, self, rec, sched), rec, fc, sched
}

func TestOpponentAcceptsBeforeCancel(t *testing.T) {
	// Seen from the accepting side.
	b, rec, _, _ := newDraw(t, game.Gote, false)
	var outcomes []State
	proposals := 0
	b.OnChange(func(_ Kind, s State) {
		if s == BothAgreed {
			outcomes = append(outcomes, s)
		}
	})
	b.OnProposal(func(Kind) { proposals++ })

	b.Receive(game.Sente)
	b.Receive(game.Sente)
	assert.Equal(t, ProposedByOpponent, b.State())
	assert.Equal(t, 1, proposals)

	require.NoError(t, b.Accept())
	assert.Equal(t, BothAgreed, b.State())
	assert.Equal(t, []string{protocol.OutDrawYes}, rec.sent)

	b.Receive(game.Sente)
	assert.Len(t, outcomes, 1)
}

func TestSimultaneousProposalsConverge(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, false)
	require.NoError(t, a.Propose(10))
	a.Receive(game.Gote)
	assert.Equal(t, BothAgreed, a.State())
	assert.Equal(t, []string{protocol.OutDrawYes}, rec.sent)
}

func TestProposeThenCancelWithConfirmation(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, true)

	require.NoError(t, a.Propose(10))
	assert.True(t, a.ConfirmPending())
	assert.Equal(t, None, a.State())

	require.NoError(t, a.Cancel())
	assert.Equal(t, None, a.State())
	assert.False(t, a.ConfirmPending())
	assert.Empty(t, rec.sent)
}

func TestProposeThenWithdraw(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, false)

	require.NoError(t, a.Propose(10))
	require.NoError(t, a.Cancel())
	assert.Equal(t, None, a.State())
	assert.Equal(t, []string{protocol.OutDrawYes, protocol.OutDrawNo}, rec.sent)

	// Nothing left to withdraw.
	require.NoError(t, a.Cancel())
	assert.Len(t, rec.sent, 2)
}

func TestConfirmationExpires(t *testing.T) {
	a, rec, fc, sched := newDraw(t, game.Sente, true)

	require.NoError(t, a.Propose(10))
	fc.Advance(ConfirmDelay)
	sched.RunDue()
	assert.False(t, a.ConfirmPending())

	// The next action starts over.
	require.NoError(t, a.Propose(10))
	assert.Empty(t, rec.sent)
	require.NoError(t, a.Propose(10))
	assert.Equal(t, []string{protocol.OutDrawYes}, rec.sent)
	assert.Equal(t, ProposedByMe, a.State())
}

func TestConflictingActionCancelsConfirmation(t *testing.T) {
	a, rec, fc, sched := newDraw(t, game.Sente, true)

	require.NoError(t, a.Propose(10))
	a.CancelPending()
	fc.Advance(10 * time.Second)
	sched.RunDue()
	require.NoError(t, a.Propose(11))
	assert.Empty(t, rec.sent)
	assert.True(t, a.ConfirmPending())
}

func TestDrawRateLimit(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, false)

	require.NoError(t, a.Propose(10))
	a.Receive("")
	assert.Equal(t, None, a.State())

	err := a.Propose(25)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, None, a.State())

	require.NoError(t, a.Propose(31))
	assert.Equal(t, ProposedByMe, a.State())
	assert.Equal(t, []string{protocol.OutDrawYes, protocol.OutDrawYes}, rec.sent)
}

func TestAcceptIgnoresRateLimit(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, false)
	require.NoError(t, a.Propose(10))
	a.Receive("")

	a.Receive(game.Gote)
	require.NoError(t, a.Propose(12))
	assert.Equal(t, BothAgreed, a.State())
	assert.Len(t, rec.sent, 2)
}

func TestAcceptWithoutProposal(t *testing.T) {
	a, _, _, _ := newDraw(t, game.Sente, false)
	assert.ErrorIs(t, a.Accept(), ErrNothingToAccept)
}

func TestResumeHasNoWithdraw(t *testing.T) {
	sched := scheduler.New(clockwork.NewFakeClock())
	rec := &recorder{}
	n := New(DefaultConfigs()[Resume], game.Sente, rec, sched)

	require.NoError(t, n.Propose(0))
	require.NoError(t, n.Cancel())
	assert.Equal(t, []string{protocol.OutResumeYes}, rec.sent)
}

func TestSyncFromFlags(t *testing.T) {
	sched := scheduler.New(clockwork.NewFakeClock())
	n := New(DefaultConfigs()[Takeback], game.Sente, &recorder{}, sched)
	proposals := 0
	n.OnProposal(func(Kind) { proposals++ })

	n.Sync(false, true)
	n.Sync(false, true)
	assert.Equal(t, 1, proposals)
	n.Sync(false, false)
	n.Sync(false, true)
	assert.Equal(t, 2, proposals)
	n.Sync(true, true)
	assert.Equal(t, BothAgreed, n.State())
}

func TestEmptySyncKeepsArmedConfirmation(t *testing.T) {
	a, rec, _, _ := newDraw(t, game.Sente, true)

	require.NoError(t, a.Propose(40))
	a.Sync(false, false)
	assert.True(t, a.ConfirmPending())

	require.NoError(t, a.Propose(41))
	assert.Equal(t, []string{protocol.OutDrawYes}, rec.sent)

	a.Sync(false, false)
	assert.Equal(t, None, a.State())
}
