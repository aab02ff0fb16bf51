package ctrl

import (
	"time"

	"github.com/mcdev12/roundsync/go/internal/round/clock"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

// Handlers maps every incoming kind the controller consumes to Dispatch.
func (c *Controller) Handlers() map[protocol.Kind]func(protocol.Event) {
	kinds := []protocol.Kind{
		protocol.KindMoveApplied,
		protocol.KindRedirect,
		protocol.KindClockIncrement,
		protocol.KindCorrespondenceClock,
		protocol.KindPresence,
		protocol.KindGameEnded,
		protocol.KindRematchOffered,
		protocol.KindRematchAccepted,
		protocol.KindDrawOffered,
		protocol.KindPauseOffered,
		protocol.KindResumeOffered,
		protocol.KindBerserk,
		protocol.KindOpponentLeft,
		protocol.KindTakebackOffered,
	}
	out := make(map[protocol.Kind]func(protocol.Event), len(kinds))
	for _, k := range kinds {
		out[k] = c.Dispatch
	}
	return out
}

// Dispatch routes a decoded push to its handler.
func (c *Controller) Dispatch(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.MoveApplied:
		c.ApplyMove(e)
	case protocol.GameEnded:
		c.End(e)
	case protocol.Redirect:
		c.handleRedirect(e)
	case protocol.ClockIncrement:
		c.handleClockIncrement(e)
	case protocol.CorrespondenceClock:
		if c.corres != nil {
			c.corres.Update(e.Sente, e.Gote)
			c.emit(StateChanged{Reason: ReasonClock})
		}
	case protocol.Presence:
		game.SetOnGame(c.data, game.Sente, e.Sente)
		game.SetOnGame(c.data, game.Gote, e.Gote)
		c.sched.Cancel(taskGone)
		c.emit(StateChanged{Reason: ReasonPresence})
	case protocol.RematchOffered:
		c.setOfferFlags(offer.Rematch, e.By)
	case protocol.RematchAccepted:
		c.handleRematchAccepted(e)
	case protocol.DrawOffered:
		c.setOfferFlags(offer.Draw, e.By)
	case protocol.PauseOffered:
		c.setOfferFlags(offer.Pause, e.By)
	case protocol.ResumeOffered:
		c.setOfferFlags(offer.Resume, e.By)
		if e.By != "" {
			c.setOfferFlags(offer.Pause, "")
		}
	case protocol.TakebackOffered:
		c.data.Player.ProposingTakeback = e.By(c.data.Player.Color)
		c.data.Opponent.ProposingTakeback = e.By(c.data.Opponent.Color)
		c.offers[offer.Takeback].Sync(c.data.Player.ProposingTakeback, c.data.Opponent.ProposingTakeback)
	case protocol.Berserk:
		c.handleBerserk(e)
	case protocol.OpponentLeft:
		c.setGone(e.Gone)
	default:
		c.logger.Debug().Str("kind", string(ev.Kind())).Msg("unhandled event")
	}
}

// ApplyMove reconciles an authoritative move. Replayed plies only correct
// the clock; a ply beyond the next one asks for a resync.
func (c *Controller) ApplyMove(o protocol.MoveApplied) {
	d := c.data
	last := game.LastPly(d)

	if o.Ply <= last {
		if o.Ply == last && o.Clock != nil {
			c.reconcileMoveClock(o)
		}
		c.logger.Debug().Int("ply", o.Ply).Int("last_ply", last).Msg("ignoring replayed move")
		return
	}
	if o.Ply > last+1 {
		c.logger.Warn().Int("ply", o.Ply).Int("last_ply", last).Msg("move skips plies, resyncing")
		c.socket.RequestResync()
		return
	}

	live := !c.Replaying()
	ownEcho := c.transient != nil && o.Ply >= c.transient.ply
	echoOnBoard := ownEcho && o.Ply == c.transient.ply && o.Move == c.transient.usi()

	d.Game.Turns = o.Ply
	d.Game.Player = game.ColorToMove(o.Ply)
	if o.Status != nil {
		d.Game.Status = *o.Status
	}
	if o.Winner != nil {
		d.Game.Winner = o.Winner
	}
	d.Game.Threefold = o.Threefold
	playedColor := game.ColorToMove(o.Ply - 1)
	if d.Player.Color == d.Game.Player {
		d.PossibleMoves = o.Dests
		d.PossibleDrops = o.Drops
	} else {
		d.PossibleMoves = nil
		d.PossibleDrops = nil
	}
	game.SetOnGame(d, playedColor, true)
	if playedColor == d.Opponent.Color {
		c.sched.Cancel(taskGone)
	}

	senteDraw, goteDraw := o.SenteDraw, o.GoteDraw
	d.Player.OfferingDraw = pick(d.Player.Color, senteDraw, goteDraw)
	d.Opponent.OfferingDraw = pick(d.Opponent.Color, senteDraw, goteDraw)
	c.offers[offer.Draw].Sync(d.Player.OfferingDraw, d.Opponent.OfferingDraw)

	d.Steps = append(d.Steps, game.Step{
		Ply:      o.Ply,
		Position: o.Position,
		Notation: o.Notation,
		Move:     o.Move,
		Check:    o.Check,
	})

	if live {
		c.ply = o.Ply
		if !echoOnBoard {
			c.applyToBoard(o)
		}
		switch {
		case o.Check:
			c.play(SoundCheck)
		case game.IsCapture(o.Notation):
			c.play(SoundCapture)
		default:
			c.play(SoundMove)
		}
		c.emit(PlyChanged{Ply: c.ply, Live: true})
	} else {
		c.emit(StateChanged{Reason: ReasonAppended})
	}

	if o.Clock != nil {
		c.reconcileMoveClock(o)
	}

	if d.Expiration != nil {
		if d.Game.Turns-d.Game.StartPly >= 2 {
			d.Expiration = nil
			c.sched.Cancel(taskExpiration)
		} else {
			d.Expiration.MovedAt = c.sched.Clock().Now()
		}
	}

	if ownEcho {
		c.transient = nil
		c.sched.Cancel(taskTransient)
	}

	if live && game.IsPlayerTurn(d) {
		c.sched.Schedule(taskPremove, c.cfg.PremoveDelay, c.playPremove)
	}

	c.logger.Debug().
		Int("ply", o.Ply).
		Str("usi", o.Move).
		Bool("live", live).
		Bool("own", ownEcho).
		Msg("move applied")
}

func pick(c game.Color, sente, gote bool) bool {
	if c == game.Sente {
		return sente
	}
	return gote
}

func (c *Controller) applyToBoard(o protocol.MoveApplied) {
	if c.board == nil {
		return
	}
	if o.IsDrop() {
		drop, ok := game.ParseDrop(o.Move)
		if !ok {
			dest := o.Move
			if len(dest) >= 2 {
				dest = dest[len(dest)-2:]
			}
			drop = game.Drop{Role: o.Role, Dest: dest}
		}
		c.board.ApplyDrop(drop)
		return
	}
	m, err := game.ParseMove(o.Move)
	if err != nil {
		c.logger.Warn().Err(err).Int("ply", o.Ply).Msg("cannot render move, jumping to position")
		c.board.Jump(game.PlyStep(c.data, o.Ply), game.IsPlayerTurn(c.data))
		return
	}
	c.board.ApplyMove(m)
}

// reconcileMoveClock snaps the clocks to the server. The opponent's clock
// is held back by the reported lag, never less than a millisecond.
func (c *Controller) reconcileMoveClock(o protocol.MoveApplied) {
	d := c.data
	if c.corres != nil {
		c.corres.Update(o.Clock.Sente, o.Clock.Gote)
		return
	}
	if c.clock == nil {
		return
	}
	c.shouldSendMoveTime = true

	activeColor := d.Player.Color == d.Game.Player
	var delay time.Duration
	if !(game.IsPlayerPlaying(d) && activeColor) {
		delay = time.Duration(o.Clock.LagMillis) * time.Millisecond
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
	}
	c.clock.SetClock(clock.Times{
		Running:      clockRunning(d),
		Active:       d.Game.Player,
		Sente:        time.Duration(o.Clock.Sente * float64(time.Second)),
		Gote:         time.Duration(o.Clock.Gote * float64(time.Second)),
		SentePeriods: o.Clock.SentePeriods,
		GotePeriods:  o.Clock.GotePeriods,
	}, delay)
	if c.clock.IsRunning() {
		c.scheduleClockTick()
	}
}

// Reload replaces the whole state with a snapshot.
func (c *Controller) Reload(d *game.Data) {
	if len(d.Steps) != len(c.data.Steps) {
		c.ply = game.LastPly(d)
	}
	c.data = d
	c.shouldSendMoveTime = false
	c.pending = nil
	c.transient = nil
	c.premove = nil
	c.predrop = nil
	c.stopTimers()

	c.setupClocks()
	c.syncOffers()
	c.startTimers()

	if c.ply > game.LastPly(d) {
		c.ply = game.LastPly(d)
	}
	if c.board != nil && !c.Replaying() {
		c.board.Jump(game.PlyStep(d, c.ply), game.IsPlayerTurn(d))
	}
	c.SetLoading(false, 0)
	c.logger.Info().Int("ply", c.ply).Int("version", d.Player.Version).Msg("round reloaded")
	c.emit(StateChanged{Reason: ReasonReload})
}

// End records the outcome of the game.
func (c *Controller) End(o protocol.GameEnded) {
	d := c.data
	d.Game.Winner = o.Winner
	d.Game.Status = o.Status
	d.Game.Boosted = o.Boosted
	if o.RatingDiff != nil {
		d.Player.RatingDiff = pickInt(d.Player.Color, o.RatingDiff.Sente, o.RatingDiff.Gote)
		d.Opponent.RatingDiff = pickInt(d.Opponent.Color, o.RatingDiff.Sente, o.RatingDiff.Gote)
	}

	if !d.Player.Spectator && d.Game.Turns > 1 {
		switch {
		case o.Winner == nil:
			c.play(SoundDraw)
		case *o.Winner == d.Player.Color:
			c.play(SoundVictory)
		default:
			c.play(SoundDefeat)
		}
	}

	c.stopTimers()
	c.pending = nil
	c.transient = nil
	c.premove = nil
	c.predrop = nil

	c.Jump(game.LastPly(d))
	if c.board != nil {
		c.board.Stop()
	}

	if o.Clock != nil && c.clock != nil {
		c.clock.SetClock(clock.Times{
			Sente:        time.Duration(o.Clock.SenteCentis) * 10 * time.Millisecond,
			Gote:         time.Duration(o.Clock.GoteCentis) * 10 * time.Millisecond,
			SentePeriods: o.Clock.SentePeriods,
			GotePeriods:  o.Clock.GotePeriods,
		}, 0)
	}
	c.SetLoading(false, 0)

	c.logger.Info().Str("status", o.Status.Name).Msg("game ended")
	c.emit(GameEnded{Status: o.Status, Winner: o.Winner, RatingDiff: o.RatingDiff})
}

func pickInt(c game.Color, sente, gote int) int {
	if c == game.Sente {
		return sente
	}
	return gote
}

func (c *Controller) setOfferFlags(kind offer.Kind, by game.Color) {
	d := c.data
	mine := by != "" && by == d.Player.Color
	theirs := by != "" && by == d.Opponent.Color
	switch kind {
	case offer.Draw:
		d.Player.OfferingDraw, d.Opponent.OfferingDraw = mine, theirs
	case offer.Pause:
		d.Player.OfferingPause, d.Opponent.OfferingPause = mine, theirs
	case offer.Resume:
		d.Player.OfferingResume, d.Opponent.OfferingResume = mine, theirs
	case offer.Rematch:
		d.Player.OfferingRematch, d.Opponent.OfferingRematch = mine, theirs
	}
	c.offers[kind].Receive(by)
}

func (c *Controller) handleRedirect(e protocol.Redirect) {
	c.setRedirecting()
	c.emit(StateChanged{Reason: ReasonRedirect, Redirect: e.URL})
}

func (c *Controller) handleClockIncrement(e protocol.ClockIncrement) {
	if c.clock == nil || !e.Color.Valid() {
		return
	}
	c.clock.AddTime(e.Color, time.Duration(e.Millis)*time.Millisecond)
	if e.Color == c.data.Player.Color && !c.data.Player.Spectator {
		c.notify("more-time", "Your opponent gives you more time")
	}
	c.emit(StateChanged{Reason: ReasonClock})
}

func (c *Controller) handleRematchAccepted(e protocol.RematchAccepted) {
	c.data.Game.Rematch = e.NextGameID
	c.offers[offer.Rematch].Sync(false, false)
	if !c.data.Player.Spectator {
		c.SetLoading(true, 0)
	}
	c.emit(StateChanged{Reason: ReasonRematch, Redirect: e.NextGameID})
}

func (c *Controller) handleBerserk(e protocol.Berserk) {
	if !e.Color.Valid() {
		return
	}
	p := game.PlayerByColor(c.data, e.Color)
	if p.Berserk {
		return
	}
	p.Berserk = true
	if e.Color != c.data.Player.Color {
		c.play(SoundBerserk)
	}
	c.emit(StateChanged{Reason: ReasonBerserk})
}

func (c *Controller) setGone(g game.Gone) {
	c.sched.Cancel(taskGone)
	game.SetGone(c.data, c.data.Opponent.Color, g)
	if c.data.Opponent.Gone.Seconds > 1 {
		c.scheduleGone()
	}
	c.emit(StateChanged{Reason: ReasonGone})
}

// HandleDesync is called when resynchronization failed for good.
func (c *Controller) HandleDesync(err error) {
	c.logger.Error().Err(err).Msg("round out of sync, hard reload required")
	c.SetLoading(true, 0)
	c.emit(Desync{Err: err})
}
