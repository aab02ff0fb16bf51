// Package corresclock keeps the day-granularity clock of correspondence games.
package corresclock

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/game"
)

const secondsPerDay = 86400

// Clock holds remaining seconds per color. Local ticks are superseded by the
// next Update.
type Clock struct {
	daysPerTurn int
	remaining   map[game.Color]float64
	flagged     bool
	onFlag      func(game.Color)
}

// New creates a clock from snapshot data.
func New(d *game.CorrespondenceData, onFlag func(game.Color)) *Clock {
	if onFlag == nil {
		onFlag = func(game.Color) {}
	}
	return &Clock{
		daysPerTurn: d.DaysPerTurn,
		remaining: map[game.Color]float64{
			game.Sente: d.Sente,
			game.Gote:  d.Gote,
		},
		onFlag: onFlag,
	}
}

// Update replaces both sides with server values.
func (c *Clock) Update(sente, gote float64) {
	c.remaining[game.Sente] = sente
	c.remaining[game.Gote] = gote
	c.flagged = false
}

// Tick takes one second from color and fires onFlag once on reaching zero.
func (c *Clock) Tick(color game.Color) {
	rem := c.remaining[color] - 1
	if rem < 0 {
		rem = 0
	}
	c.remaining[color] = rem
	if rem == 0 && !c.flagged {
		c.flagged = true
		log.Info().Str("color", string(color)).Msg("correspondence clock reached zero")
		c.onFlag(color)
	}
}

// Seconds returns the remaining seconds of color.
func (c *Clock) Seconds(color game.Color) float64 {
	return c.remaining[color]
}

// Days returns the remaining time of color in fractional days.
func (c *Clock) Days(color game.Color) float64 {
	return c.remaining[color] / secondsPerDay
}

// DaysPerTurn is the time control of the game.
func (c *Clock) DaysPerTurn() int {
	return c.daysPerTurn
}
