package ctrl

import (
	"fmt"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

// Resign resigns the game. With confirmation enabled the first call arms a
// short window and the second one sends. Resign(false) disarms.
func (c *Controller) Resign(v bool) error {
	if !v {
		if c.sched.Cancel(taskResign) {
			c.emit(StateChanged{Reason: ReasonResignArmed})
		}
		return nil
	}
	if !game.Resignable(c.data) {
		return fmt.Errorf("resign: %w", ErrNotPlaying)
	}
	if c.data.Pref.ConfirmResign && !c.sched.Pending(taskResign) {
		c.sched.Schedule(taskResign, c.cfg.ResignConfirm, func() {
			c.emit(StateChanged{Reason: ReasonResignArmed})
		})
		c.emit(StateChanged{Reason: ReasonResignArmed})
		return nil
	}
	c.sched.Cancel(taskResign)
	return c.sendLoading(protocol.OutResign)
}

// ResignConfirming reports whether a resignation waits for its second click.
func (c *Controller) ResignConfirming() bool {
	return c.sched.Pending(taskResign)
}

func (c *Controller) sendLoading(typ string) error {
	c.SetLoading(true, 0)
	if err := c.socket.Send(typ, nil, protocol.SendOpts{Ackable: true}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// CanOfferDraw reports whether a draw proposal would go out now.
func (c *Controller) CanOfferDraw() bool {
	return game.Drawable(c.data) && c.offers[offer.Draw].CanPropose(c.data.Game.Turns)
}

// OfferDraw proposes or accepts a draw. OfferDraw(false) disarms a pending
// confirmation, or else withdraws or declines.
func (c *Controller) OfferDraw(v bool) error {
	n := c.offers[offer.Draw]
	if !v {
		if n.ConfirmPending() {
			n.CancelPending()
			return nil
		}
		return n.Cancel()
	}
	if !game.Drawable(c.data) {
		return fmt.Errorf("offer draw: %w", ErrNotPlaying)
	}
	return n.Propose(c.data.Game.Turns)
}

// TakebackYes proposes a takeback or accepts the opponent's.
func (c *Controller) TakebackYes() error {
	n := c.offers[offer.Takeback]
	if n.State() != offer.ProposedByOpponent && !game.Takebackable(c.data) {
		return fmt.Errorf("takeback: %w", ErrNotPlaying)
	}
	if err := n.Propose(c.data.Game.Turns); err != nil {
		return err
	}
	c.data.Player.ProposingTakeback = n.State() != offer.None
	return nil
}

// TakebackNo withdraws or declines a takeback.
func (c *Controller) TakebackNo() error {
	c.data.Player.ProposingTakeback = false
	return c.offers[offer.Takeback].Cancel()
}

// OfferPause proposes, accepts or, with v false, withdraws an adjournment.
func (c *Controller) OfferPause(v bool) error {
	n := c.offers[offer.Pause]
	if !v {
		return n.Cancel()
	}
	if !game.IsPlayerPlaying(c.data) {
		return fmt.Errorf("offer pause: %w", ErrNotPlaying)
	}
	return n.Propose(c.data.Game.Turns)
}

// OfferResume asks to continue a paused game.
func (c *Controller) OfferResume() error {
	if !c.data.Game.Status.Paused() || c.data.Player.Spectator {
		return fmt.Errorf("offer resume: %w", ErrNotPlaying)
	}
	return c.offers[offer.Resume].Propose(c.data.Game.Turns)
}

// OfferRematch proposes or accepts a rematch.
func (c *Controller) OfferRematch() error {
	if !c.data.Game.Status.Finished() || c.data.Player.Spectator {
		return fmt.Errorf("offer rematch: %w", ErrNotPlaying)
	}
	return c.offers[offer.Rematch].Propose(c.data.Game.Turns)
}

// DeclineRematch withdraws or declines a rematch.
func (c *Controller) DeclineRematch() error {
	return c.offers[offer.Rematch].Cancel()
}

// GoBerserk trades half of the clock for a bonus, once per game.
func (c *Controller) GoBerserk() error {
	if !game.Berserkable(c.data) {
		return fmt.Errorf("berserk: %w", ErrNotPlaying)
	}
	c.socket.Berserk()
	c.play(SoundBerserk)
	return nil
}

// MoreTime gives the opponent extra time.
func (c *Controller) MoreTime() error {
	if !c.data.Moretimeable || !game.IsPlayerPlaying(c.data) {
		return fmt.Errorf("more time: %w", ErrNotPlaying)
	}
	c.socket.MoreTime()
	return nil
}

// Close cancels every timer, says goodbye when leaving a live game against
// a human and closes the event stream.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.stopTimers()
	c.sched.Cancel(taskLoading)
	c.sched.Cancel(taskRedirect)
	d := c.data
	if game.IsPlayerPlaying(d) && d.Clock != nil && !d.Opponent.IsAI() {
		if err := c.socket.Send(protocol.OutBye, nil, protocol.SendOpts{}); err != nil {
			c.logger.Warn().Err(err).Msg("failed to say goodbye")
		}
	}
	c.closed = true
	close(c.events)
}
