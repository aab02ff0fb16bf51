package ctrl

import (
	"fmt"
	"slices"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

func (c *Controller) canSubmit() error {
	d := c.data
	switch {
	case !game.IsPlayerPlaying(d):
		return ErrNotPlaying
	case c.Replaying():
		return ErrReplaying
	case c.pending != nil || c.transient != nil:
		return ErrPendingAction
	case !game.IsPlayerTurn(d):
		return ErrNotYourTurn
	}
	return nil
}

// SubmitMove plays a local move optimistically and sends it, or keeps it
// for confirmation when the player asked to confirm moves.
func (c *Controller) SubmitMove(m game.Move, meta MoveMeta) error {
	if err := c.canSubmit(); err != nil {
		c.revertView()
		return fmt.Errorf("submit move %s: %w", m.USI(), err)
	}
	if c.board != nil {
		c.board.ApplyMove(m)
	}
	return c.submit(&pendingAction{move: &m, meta: meta, ply: game.LastPly(c.data) + 1})
}

// SubmitDrop plays a local drop the same way SubmitMove plays a move.
func (c *Controller) SubmitDrop(drop game.Drop, meta MoveMeta) error {
	if err := c.canSubmit(); err != nil {
		c.revertView()
		return fmt.Errorf("submit drop %s: %w", drop.USI(), err)
	}
	if c.board != nil {
		c.board.ApplyDrop(drop)
	}
	return c.submit(&pendingAction{drop: &drop, meta: meta, ply: game.LastPly(c.data) + 1})
}

func (c *Controller) submit(a *pendingAction) error {
	// A move supersedes any armed confirmation.
	c.sched.Cancel(taskResign)
	c.offers[offer.Draw].CancelPending()

	if c.data.Pref.SubmitMove && !a.meta.Premove {
		c.pending = a
		c.emit(StateChanged{Reason: ReasonAwaiting})
		return nil
	}
	return c.send(a)
}

// send hands the action to the connection manager. Premoves report no
// thinking time.
func (c *Controller) send(a *pendingAction) error {
	opts := protocol.SendOpts{Ackable: true}
	if c.clock != nil {
		opts.WithLag = !c.shouldSendMoveTime || !c.clock.IsRunning()
		if a.meta.Premove && c.shouldSendMoveTime {
			c.clock.HardStop()
			zero := 0
			opts.Millis = &zero
		} else if elapsed, ok := c.clock.StopClock(); ok && c.shouldSendMoveTime {
			millis := int(elapsed.Milliseconds())
			opts.Millis = &millis
		}
	}

	var err error
	if a.drop != nil {
		err = c.socket.Send(protocol.OutDrop, protocol.NewDropPayload(*a.drop, a.meta.Blur), opts)
	} else {
		err = c.socket.Send(protocol.OutMove, protocol.NewMovePayload(*a.move, a.meta.Blur), opts)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", a.usi(), err)
	}

	c.transient = a
	c.sched.Schedule(taskTransient, c.cfg.TransientTimeout, c.onTransientTimeout)
	c.logger.Debug().Str("usi", a.usi()).Int("ply", a.ply).Bool("premove", a.meta.Premove).Msg("move sent")
	c.emit(StateChanged{Reason: ReasonSent})
	return nil
}

func (c *Controller) onTransientTimeout() {
	if c.transient == nil {
		return
	}
	c.logger.Warn().Str("usi", c.transient.usi()).Msg("sent move not confirmed, resyncing")
	c.transient = nil
	c.socket.RequestResync()
}

// SubmitPending sends the move kept for confirmation, or drops it and
// reverts the view.
func (c *Controller) SubmitPending(confirm bool) error {
	a := c.pending
	if a == nil {
		return nil
	}
	c.pending = nil

	var err error
	if confirm {
		err = c.send(a)
	} else {
		c.revertView()
		c.emit(StateChanged{Reason: ReasonPendingReset})
	}
	c.SetLoading(true, c.cfg.SubmitLoading)
	return err
}

// CancelPending discards a move kept for confirmation.
func (c *Controller) CancelPending() {
	if c.pending == nil {
		return
	}
	c.pending = nil
	c.revertView()
	c.emit(StateChanged{Reason: ReasonPendingReset})
}

func (c *Controller) revertView() {
	if c.board != nil {
		c.board.Jump(game.PlyStep(c.data, c.ply), game.IsPlayerTurn(c.data) && !c.Replaying())
	}
}

// QueuePremove stores a move to play once it is the local player's turn.
func (c *Controller) QueuePremove(m game.Move) {
	c.premove = &m
	c.predrop = nil
}

// QueuePredrop stores a drop to play once it is the local player's turn.
func (c *Controller) QueuePredrop(d game.Drop) {
	c.predrop = &d
	c.premove = nil
}

// CancelPremove forgets any queued premove or predrop.
func (c *Controller) CancelPremove() {
	c.premove = nil
	c.predrop = nil
	c.sched.Cancel(taskPremove)
	if c.board != nil {
		c.board.CancelPremove()
	}
}

// HasPremove reports whether a premove or predrop is queued.
func (c *Controller) HasPremove() bool {
	return c.premove != nil || c.predrop != nil
}

// playPremove validates the queued action against the current position and
// submits it through the regular entry point.
func (c *Controller) playPremove() {
	m, drop := c.premove, c.predrop
	c.premove, c.predrop = nil, nil
	if m == nil && drop == nil {
		c.showYourMoveNotification()
		return
	}

	var err error
	switch {
	case m != nil && c.board != nil && slices.Contains(c.board.LegalDestinations(m.Orig), m.Dest):
		err = c.SubmitMove(*m, MoveMeta{Premove: true})
	case drop != nil && c.board != nil && slices.Contains(c.board.DropDestinations(drop.Role), drop.Dest):
		err = c.SubmitDrop(*drop, MoveMeta{Premove: true})
	default:
		c.discardPremove()
		c.showYourMoveNotification()
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("premove rejected")
		c.discardPremove()
		c.showYourMoveNotification()
	}
}

func (c *Controller) discardPremove() {
	if c.board != nil {
		c.board.CancelPremove()
	}
	c.Jump(c.ply)
	c.emit(StateChanged{Reason: ReasonPremoveDrop})
}

// Jump moves the view cursor, clamped to the known history.
func (c *Controller) Jump(ply int) bool {
	d := c.data
	if first := game.FirstPly(d); ply < first {
		ply = first
	}
	if last := game.LastPly(d); ply > last {
		ply = last
	}
	changed := ply != c.ply
	c.ply = ply
	step := game.PlyStep(d, ply)
	if c.board != nil {
		c.board.Jump(step, game.IsPlayerTurn(d) && !c.Replaying())
	}
	if changed {
		if step.Notation != "" {
			if game.IsCapture(step.Notation) {
				c.play(SoundCapture)
			} else {
				c.play(SoundMove)
			}
		}
		c.emit(PlyChanged{Ply: ply, Live: !c.Replaying()})
	}
	return changed
}

// UserJump is Jump on behalf of the player: a move kept for confirmation is dropped.
func (c *Controller) UserJump(ply int) bool {
	c.pending = nil
	return c.Jump(ply)
}
