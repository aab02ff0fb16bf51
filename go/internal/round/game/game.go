package game

// Playing reports whether the game has started and is not over.
func (s Status) Playing() bool {
	return s.ID >= StatusStarted && s.ID < StatusAborted
}

// Paused reports whether the game is adjourned.
func (s Status) Paused() bool {
	return s.ID == StatusPaused
}

// Finished reports whether the game is over, aborted included.
func (s Status) Finished() bool {
	return s.ID >= StatusAborted
}

// Playable reports whether moves can still be played.
func Playable(d *Data) bool {
	return d.Game.Status.ID < StatusAborted && !d.Game.Imported
}

// IsPlayerPlaying reports whether the local seat is an actual player of a live game.
func IsPlayerPlaying(d *Data) bool {
	return Playable(d) && !d.Player.Spectator
}

// IsPlayerTurn reports whether the local player is to move.
func IsPlayerTurn(d *Data) bool {
	return IsPlayerPlaying(d) && d.Game.Player == d.Player.Color
}

// Drawable reports whether a draw can be offered at all.
func Drawable(d *Data) bool {
	return IsPlayerPlaying(d) && d.Game.Turns >= 2 && !d.Opponent.IsAI()
}

// Resignable reports whether the local player may resign.
func Resignable(d *Data) bool {
	return Playable(d) && !d.Player.Spectator && d.Game.Turns-d.Game.StartPly >= 2
}

// Takebackable reports whether a takeback can be proposed.
func Takebackable(d *Data) bool {
	return IsPlayerPlaying(d) && d.Takebackable && d.Game.Turns-d.Game.StartPly > 1 &&
		!d.Player.ProposingTakeback && !d.Opponent.ProposingTakeback
}

// Berserkable reports whether the local player may still trade clock time for a bonus.
func Berserkable(d *Data) bool {
	return IsPlayerPlaying(d) && d.Clock != nil && d.Clock.Increment == 0 && d.Clock.Byoyomi == 0 &&
		d.Game.Turns-d.Game.StartPly < 2 && !d.Player.Berserk
}

// FirstPly is the ply of the earliest known step.
func FirstPly(d *Data) int {
	if len(d.Steps) == 0 {
		return 0
	}
	return d.Steps[0].Ply
}

// LastPly is the latest authoritative ply.
func LastPly(d *Data) int {
	if len(d.Steps) == 0 {
		return 0
	}
	return d.Steps[len(d.Steps)-1].Ply
}

// LastStep returns the latest authoritative step.
func LastStep(d *Data) (Step, bool) {
	if len(d.Steps) == 0 {
		return Step{}, false
	}
	return d.Steps[len(d.Steps)-1], true
}

// PlyStep returns the step for ply, clamped to the known range.
func PlyStep(d *Data, ply int) Step {
	if len(d.Steps) == 0 {
		return Step{}
	}
	idx := ply - FirstPly(d)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d.Steps) {
		idx = len(d.Steps) - 1
	}
	return d.Steps[idx]
}

// PlayerByColor returns the seat playing color.
func PlayerByColor(d *Data, c Color) *Player {
	if d.Player.Color == c {
		return &d.Player
	}
	return &d.Opponent
}

// SetOnGame records presence of the seat playing color.
func SetOnGame(d *Data, c Color, on bool) {
	p := PlayerByColor(d, c)
	p.OnGame = on || p.IsAI()
	if p.OnGame {
		p.Gone = Gone{}
	}
}

// SetGone records the absence countdown of the seat playing color.
func SetGone(d *Data, c Color, g Gone) {
	p := PlayerByColor(d, c)
	if p.IsAI() {
		p.Gone = Gone{}
		return
	}
	p.Gone = g
}

// NbMoves counts the moves already played by color.
func NbMoves(d *Data, c Color) int {
	n := d.Game.Turns - d.Game.StartPly
	if c == Sente {
		return (n + 1) / 2
	}
	return n / 2
}

// CloneSteps returns a copy of the step history.
func CloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}
