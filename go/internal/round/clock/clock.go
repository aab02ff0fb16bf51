// Package clock extrapolates the live game clock between authoritative
// updates. Server values always replace the local estimate.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/game"
)

// Times is an authoritative clock reading.
type Times struct {
	Running      bool
	Active       game.Color
	Sente        time.Duration
	Gote         time.Duration
	SentePeriods int
	GotePeriods  int
}

// Config is the time control of the game.
type Config struct {
	Initial   time.Duration
	Increment time.Duration
	Byoyomi   time.Duration
	Periods   int
	Emerg     time.Duration
}

// ConfigFromData derives the time control from snapshot clock data.
func ConfigFromData(d *game.ClockData) Config {
	return Config{
		Initial:   time.Duration(d.Initial) * time.Second,
		Increment: time.Duration(d.Increment) * time.Second,
		Byoyomi:   time.Duration(d.Byoyomi) * time.Second,
		Periods:   d.Periods,
		Emerg:     time.Duration(d.Emerg) * time.Second,
	}
}

// TimesFromData reads the remaining times of a snapshot. active is the color to move.
func TimesFromData(d *game.ClockData, active game.Color) Times {
	return Times{
		Running:      d.Running,
		Active:       active,
		Sente:        seconds(d.Sente),
		Gote:         seconds(d.Gote),
		SentePeriods: d.SentePeriods,
		GotePeriods:  d.GotePeriods,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type side struct {
	remaining time.Duration
	periods   int
}

// Controller tracks both sides. At most one side runs at a time.
type Controller struct {
	clock      clockwork.Clock
	cfg        Config
	sides      map[game.Color]*side
	running    bool
	active     game.Color
	lastUpdate time.Time
	flagged    bool
	onFlag     func(game.Color)
	logger     zerolog.Logger
}

// New creates a stopped controller. onFlag fires once each time the running
// side reaches zero.
func New(clock clockwork.Clock, cfg Config, onFlag func(game.Color)) *Controller {
	if onFlag == nil {
		onFlag = func(game.Color) {}
	}
	return &Controller{
		clock: clock,
		cfg:   cfg,
		sides: map[game.Color]*side{
			game.Sente: {remaining: cfg.Initial},
			game.Gote:  {remaining: cfg.Initial},
		},
		active: game.Sente,
		onFlag: onFlag,
		logger: log.With().Str("component", "clock").Logger(),
	}
}

// Config returns the time control.
func (c *Controller) Config() Config {
	return c.cfg
}

// SetClock snaps both sides to server values. The running side starts
// counting delay after now.
func (c *Controller) SetClock(t Times, delay time.Duration) {
	c.sides[game.Sente].remaining = t.Sente
	c.sides[game.Sente].periods = t.SentePeriods
	c.sides[game.Gote].remaining = t.Gote
	c.sides[game.Gote].periods = t.GotePeriods
	c.running = t.Running && t.Active.Valid()
	if t.Active.Valid() {
		c.active = t.Active
	}
	c.lastUpdate = c.clock.Now().Add(delay)
	c.flagged = false

	c.logger.Debug().
		Bool("running", c.running).
		Str("active", string(c.active)).
		Dur("sente", t.Sente).
		Dur("gote", t.Gote).
		Dur("delay", delay).
		Msg("clock set")
}

// IsRunning reports whether a side is counting down.
func (c *Controller) IsRunning() bool {
	return c.running
}

// Active is the side that runs, or would run, while playing.
func (c *Controller) Active() game.Color {
	return c.active
}

func (c *Controller) elapsed() time.Duration {
	e := c.clock.Since(c.lastUpdate)
	if e < 0 {
		return 0
	}
	return e
}

// project returns the remaining time and periods used of color after elapsed.
func (c *Controller) project(color game.Color, elapsed time.Duration) (time.Duration, int) {
	s := c.sides[color]
	rem := s.remaining - elapsed
	periods := s.periods
	for rem <= 0 && c.cfg.Byoyomi > 0 && periods < c.cfg.Periods {
		periods++
		rem += c.cfg.Byoyomi
	}
	if rem < 0 {
		rem = 0
	}
	return rem, periods
}

// Remaining returns the displayed time of color.
func (c *Controller) Remaining(color game.Color) time.Duration {
	if !c.running || color != c.active {
		return c.sides[color].remaining
	}
	rem, _ := c.project(color, c.elapsed())
	return rem
}

// MillisOf returns the displayed time of color in millis.
func (c *Controller) MillisOf(color game.Color) int64 {
	return c.Remaining(color).Milliseconds()
}

// PeriodsOf returns the byoyomi periods color has entered.
func (c *Controller) PeriodsOf(color game.Color) int {
	if !c.running || color != c.active {
		return c.sides[color].periods
	}
	_, p := c.project(color, c.elapsed())
	return p
}

// Emergency reports whether color is below the emergency threshold.
func (c *Controller) Emergency(color game.Color) bool {
	if c.cfg.Emerg <= 0 {
		return false
	}
	return c.PeriodsOf(color) == 0 && c.Remaining(color) < c.cfg.Emerg
}

func (c *Controller) commit() time.Duration {
	e := c.elapsed()
	rem, periods := c.project(c.active, e)
	s := c.sides[c.active]
	s.remaining = rem
	s.periods = periods
	c.running = false
	return e
}

// StopClock stops the running side and returns how long it ran since the
// last update. It reports false when nothing was running.
func (c *Controller) StopClock() (time.Duration, bool) {
	if !c.running {
		return 0, false
	}
	e := c.commit()
	// A move inside byoyomi restores the full period.
	if s := c.sides[c.active]; s.periods > 0 && s.remaining > 0 {
		s.remaining = c.cfg.Byoyomi
	}
	return e, true
}

// HardStop stops the clock without producing a measurement.
func (c *Controller) HardStop() {
	if c.running {
		c.commit()
	}
}

// AddTime credits color, as for an increment granted by the opponent.
func (c *Controller) AddTime(color game.Color, d time.Duration) {
	c.sides[color].remaining += d
	if c.sides[color].remaining > 0 {
		c.flagged = false
	}
}

// Tick checks the running side and fires onFlag once when it reaches zero.
func (c *Controller) Tick() {
	if !c.running || c.flagged {
		return
	}
	if c.Remaining(c.active) > 0 {
		return
	}
	c.flagged = true
	c.logger.Info().Str("color", string(c.active)).Msg("clock reached zero")
	c.onFlag(c.active)
}
