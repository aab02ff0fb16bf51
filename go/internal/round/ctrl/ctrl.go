// Package ctrl holds the round controller: the single owner of a round's
// state. It reconciles authoritative pushes with optimistic local actions.
package ctrl

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/clock"
	"github.com/mcdev12/roundsync/go/internal/round/corresclock"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

var (
	ErrPendingAction = errors.New("a local action is already pending")
	ErrReplaying     = errors.New("viewing a past ply")
	ErrNotPlaying    = errors.New("not playing")
	ErrNotYourTurn   = errors.New("not your turn")
)

// Board renders the position. It is invoked, never owned.
type Board interface {
	ApplyMove(m game.Move)
	ApplyDrop(d game.Drop)
	// Jump renders the position of step; movable tells whether the local
	// player may move pieces on it.
	Jump(step game.Step, movable bool)
	LegalDestinations(orig string) []string
	DropDestinations(role string) []string
	Stop()
	CancelPremove()
}

// Notifier surfaces messages to the player outside the board.
type Notifier interface {
	Notify(title, body string)
}

// Notification titles the controller emits besides offers.
const (
	NotifyYourTurn       = "your-turn"
	NotifyOpponentJoined = "opponent-joined"
)

// SoundCue is a sound the controller asks for.
type SoundCue string

const (
	SoundMove         SoundCue = "move"
	SoundCapture      SoundCue = "capture"
	SoundCheck        SoundCue = "check"
	SoundVictory      SoundCue = "victory"
	SoundDefeat       SoundCue = "defeat"
	SoundDraw         SoundCue = "draw"
	SoundBerserk      SoundCue = "berserk"
	SoundNotify       SoundCue = "notify"
	SoundConfirmation SoundCue = "confirmation"
)

// Sound plays cues.
type Sound interface {
	Play(cue SoundCue)
}

// Socket is the part of the connection manager the controller drives.
type Socket interface {
	Send(typ string, payload any, opts protocol.SendOpts) error
	MoreTime()
	Berserk()
	OutOfTime(color game.Color)
	RequestResync()
}

// Phase of the local submission state machine.
type Phase int

const (
	Idle Phase = iota
	AwaitingConfirmation
	AppliedOptimistic
)

func (p Phase) String() string {
	switch p {
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case AppliedOptimistic:
		return "applied-optimistic"
	default:
		return "idle"
	}
}

// Config holds the controller's timings.
type Config struct {
	EventBuffer      int
	LoadingDelay     time.Duration
	SubmitLoading    time.Duration
	RedirectDelay    time.Duration
	ResignConfirm    time.Duration
	TransientTimeout time.Duration
	ClockTick        time.Duration
	ExpirationTick   time.Duration
	PremoveDelay     time.Duration
	YourMoveDelay    time.Duration
}

// DefaultConfig returns the timings the round server is tuned for.
func DefaultConfig() Config {
	return Config{
		EventBuffer:      64,
		LoadingDelay:     1500 * time.Millisecond,
		SubmitLoading:    300 * time.Millisecond,
		RedirectDelay:    2500 * time.Millisecond,
		ResignConfirm:    3000 * time.Millisecond,
		TransientTimeout: 10 * time.Second,
		ClockTick:        100 * time.Millisecond,
		ExpirationTick:   250 * time.Millisecond,
		PremoveDelay:     time.Millisecond,
		YourMoveDelay:    500 * time.Millisecond,
	}
}

// Scheduler task names.
const (
	taskResign     scheduler.TaskName = "confirm:resign"
	taskLoading    scheduler.TaskName = "loading"
	taskRedirect   scheduler.TaskName = "redirect"
	taskTransient  scheduler.TaskName = "transient-move"
	taskPremove    scheduler.TaskName = "premove"
	taskClockTick  scheduler.TaskName = "clock-tick"
	taskCorresTick scheduler.TaskName = "correspondence-tick"
	taskExpiration scheduler.TaskName = "expiration"
	taskGone       scheduler.TaskName = "opponent-gone"
	taskYourMove   scheduler.TaskName = "your-move"
)

// MoveMeta describes how a local move came about.
type MoveMeta struct {
	Premove bool
	Blur    bool
}

type pendingAction struct {
	move *game.Move
	drop *game.Drop
	meta MoveMeta
	ply  int
}

func (a *pendingAction) usi() string {
	if a.drop != nil {
		return a.drop.USI()
	}
	return a.move.USI()
}

// Deps are the collaborators of a controller.
type Deps struct {
	Socket   Socket
	Sched    *scheduler.Scheduler
	Board    Board
	Notifier Notifier
	Sound    Sound
}

// Controller owns a round's state. Every method must be called from the
// session event loop.
type Controller struct {
	cfg      Config
	data     *game.Data
	ply      int
	socket   Socket
	sched    *scheduler.Scheduler
	board    Board
	notifier Notifier
	sound    Sound

	clock  *clock.Controller
	corres *corresclock.Clock
	offers map[offer.Kind]*offer.Negotiation

	pending   *pendingAction
	transient *pendingAction
	premove   *game.Move
	predrop   *game.Drop

	shouldSendMoveTime bool
	loading            bool
	redirecting        bool
	closed             bool

	events chan Event
	logger zerolog.Logger
}

// New creates a controller over the initial snapshot d.
func New(cfg Config, d *game.Data, deps Deps) *Controller {
	c := &Controller{
		cfg:      cfg,
		data:     d,
		ply:      game.LastPly(d),
		socket:   deps.Socket,
		sched:    deps.Sched,
		board:    deps.Board,
		notifier: deps.Notifier,
		sound:    deps.Sound,
		offers:   make(map[offer.Kind]*offer.Negotiation),
		events:   make(chan Event, cfg.EventBuffer),
		logger: log.With().
			Str("component", "round").
			Str("game_id", d.Game.ID).
			Str("color", string(d.Player.Color)).
			Logger(),
	}

	for kind, oc := range offer.DefaultConfigs() {
		if kind == offer.Draw {
			oc.Confirm = d.Pref.ConfirmResign
		}
		n := offer.New(oc, d.Player.Color, deps.Socket, deps.Sched)
		n.OnChange(c.onOfferChange)
		n.OnProposal(c.onOfferProposal)
		c.offers[kind] = n
	}

	c.setupClocks()
	c.syncOffers()
	c.startTimers()
	if game.IsPlayerPlaying(d) {
		c.sched.Schedule(taskYourMove, cfg.YourMoveDelay, c.showYourMoveNotification)
	}
	return c
}

// Events is the typed event stream of the round.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("event", string(ev.EventKind())).Msg("event buffer full, dropping event")
	}
}

// Data returns the live state. Callers on the event loop only.
func (c *Controller) Data() *game.Data {
	return c.data
}

// Snapshot returns a copy of the state that is safe to hand to other goroutines.
func (c *Controller) Snapshot() game.Data {
	d := *c.data
	d.Steps = game.CloneSteps(c.data.Steps)
	return d
}

// Ply is the view cursor.
func (c *Controller) Ply() int {
	return c.ply
}

// Replaying reports whether the view cursor is behind the latest ply.
func (c *Controller) Replaying() bool {
	return c.ply != game.LastPly(c.data)
}

// Phase reports where the local submission state machine stands.
func (c *Controller) Phase() Phase {
	switch {
	case c.pending != nil:
		return AwaitingConfirmation
	case c.transient != nil:
		return AppliedOptimistic
	default:
		return Idle
	}
}

func (c *Controller) Loading() bool     { return c.loading }
func (c *Controller) Redirecting() bool { return c.redirecting }

// ShouldSendMoveTime reports whether elapsed move time goes out with moves.
func (c *Controller) ShouldSendMoveTime() bool {
	return c.shouldSendMoveTime
}

// Clock returns the live clock, nil for games without one.
func (c *Controller) Clock() *clock.Controller {
	return c.clock
}

// Correspondence returns the correspondence clock, nil for live games.
func (c *Controller) Correspondence() *corresclock.Clock {
	return c.corres
}

// Offer returns the negotiation of kind.
func (c *Controller) Offer(kind offer.Kind) *offer.Negotiation {
	return c.offers[kind]
}

func (c *Controller) play(cue SoundCue) {
	if c.sound != nil {
		c.sound.Play(cue)
	}
}

func (c *Controller) notify(title, body string) {
	if c.notifier != nil {
		c.notifier.Notify(title, body)
	}
}

// showYourMoveNotification tells the local player it is their turn, naming
// the opponent's last move, or that the opponent has joined a fresh game.
func (c *Controller) showYourMoveNotification() {
	d := c.data
	opponent := opponentName(&d.Opponent)
	switch {
	case game.IsPlayerTurn(d):
		body := "Your turn"
		if c.ply < 1 {
			body = opponent + " joined the game. " + body
		} else if last, ok := game.LastStep(d); ok {
			body = fmt.Sprintf("%s played %d. %s. %s", opponent, c.ply, last.Notation, body)
		}
		c.notify(NotifyYourTurn, body)
	case game.IsPlayerPlaying(d) && c.ply < 1:
		c.notify(NotifyOpponentJoined, opponent+" joined the game")
	}
}

func opponentName(p *game.Player) string {
	switch {
	case p.IsAI():
		return fmt.Sprintf("AI level %d", p.AI)
	case p.User != nil && p.User.Username != "":
		return p.User.Username
	}
	return "Anonymous"
}

func (c *Controller) onOfferChange(kind offer.Kind, s offer.State) {
	c.emit(OfferChanged{Kind: kind, State: s})
}

func (c *Controller) onOfferProposal(kind offer.Kind) {
	c.play(SoundNotify)
	c.notify(string(kind), "Your opponent offers a "+string(kind))
}

// setupClocks builds the clocks the snapshot calls for.
func (c *Controller) setupClocks() {
	d := c.data
	if d.Clock != nil {
		if c.clock == nil {
			c.clock = clock.New(c.sched.Clock(), clock.ConfigFromData(d.Clock), c.onFlag)
		}
		t := clock.TimesFromData(d.Clock, d.Game.Player)
		t.Running = clockRunning(d)
		c.clock.SetClock(t, 0)
	}
	if d.Correspondence != nil {
		if c.corres == nil {
			c.corres = corresclock.New(d.Correspondence, c.onFlag)
		} else {
			c.corres.Update(d.Correspondence.Sente, d.Correspondence.Gote)
		}
	}
}

func (c *Controller) onFlag(color game.Color) {
	if !game.Playable(c.data) {
		return
	}
	c.socket.OutOfTime(color)
}

// clockRunning follows the server: the clock starts once both sides moved.
func clockRunning(d *game.Data) bool {
	return game.Playable(d) && !d.Game.Status.Paused() &&
		(d.Game.Turns-d.Game.StartPly > 1 || (d.Clock != nil && d.Clock.Running))
}

func (c *Controller) syncOffers() {
	d := c.data
	c.offers[offer.Draw].Sync(d.Player.OfferingDraw, d.Opponent.OfferingDraw)
	c.offers[offer.Takeback].Sync(d.Player.ProposingTakeback, d.Opponent.ProposingTakeback)
	c.offers[offer.Pause].Sync(d.Player.OfferingPause, d.Opponent.OfferingPause)
	c.offers[offer.Resume].Sync(d.Player.OfferingResume, d.Opponent.OfferingResume)
	c.offers[offer.Rematch].Sync(d.Player.OfferingRematch, d.Opponent.OfferingRematch)
}

// startTimers (re)arms the periodic tasks the current state needs.
func (c *Controller) startTimers() {
	d := c.data
	if c.clock != nil && game.Playable(d) {
		c.scheduleClockTick()
	}
	if c.corres != nil && game.Playable(d) {
		c.scheduleCorresTick()
	}
	if d.Expiration != nil && game.Playable(d) {
		if d.Expiration.MovedAt.IsZero() {
			d.Expiration.MovedAt = c.sched.Clock().Now()
		}
		c.scheduleExpiration()
	}
	if c.data.Opponent.Gone.Seconds > 1 {
		c.scheduleGone()
	}
}

func (c *Controller) stopTimers() {
	for _, name := range []scheduler.TaskName{
		taskResign, taskTransient, taskPremove, taskClockTick,
		taskCorresTick, taskExpiration, taskGone, taskYourMove,
	} {
		c.sched.Cancel(name)
	}
	for _, n := range c.offers {
		n.CancelPending()
	}
}

func (c *Controller) scheduleClockTick() {
	c.sched.Schedule(taskClockTick, c.cfg.ClockTick, func() {
		if c.clock == nil || !game.Playable(c.data) {
			return
		}
		c.clock.Tick()
		c.scheduleClockTick()
	})
}

func (c *Controller) scheduleCorresTick() {
	c.sched.Schedule(taskCorresTick, time.Second, func() {
		if c.corres == nil || !game.Playable(c.data) {
			return
		}
		if c.data.Game.Turns-c.data.Game.StartPly > 1 {
			c.corres.Tick(c.data.Game.Player)
		}
		c.scheduleCorresTick()
	})
}

func (c *Controller) scheduleExpiration() {
	c.sched.Schedule(taskExpiration, c.cfg.ExpirationTick, func() {
		if c.data.Expiration == nil || !game.Playable(c.data) {
			return
		}
		c.emit(StateChanged{Reason: ReasonExpiration})
		c.scheduleExpiration()
	})
}

// ExpirationRemaining is the time left before an unstarted game is aborted.
func (c *Controller) ExpirationRemaining() (time.Duration, bool) {
	e := c.data.Expiration
	if e == nil {
		return 0, false
	}
	left := time.Duration(e.MillisToMove)*time.Millisecond - c.sched.Clock().Since(e.MovedAt)
	if left < 0 {
		left = 0
	}
	return left, true
}

func (c *Controller) scheduleGone() {
	c.sched.Schedule(taskGone, time.Second, func() {
		g := c.data.Opponent.Gone
		if g.Seconds > 1 {
			game.SetGone(c.data, c.data.Opponent.Color, game.Gone{Seconds: g.Seconds - 1})
			c.emit(StateChanged{Reason: ReasonGone})
			c.scheduleGone()
		}
	})
}

// SetLoading shows or hides the spinner. A shown spinner hides itself after
// d, or the default delay when d is zero.
func (c *Controller) SetLoading(on bool, d time.Duration) {
	c.sched.Cancel(taskLoading)
	if on {
		if d == 0 {
			d = c.cfg.LoadingDelay
		}
		c.sched.Schedule(taskLoading, d, func() {
			c.loading = false
			c.emit(Loading{On: false})
		})
	}
	if c.loading != on {
		c.loading = on
		c.emit(Loading{On: on})
	}
}

func (c *Controller) setRedirecting() {
	c.redirecting = true
	c.sched.Schedule(taskRedirect, c.cfg.RedirectDelay, func() {
		c.redirecting = false
		c.emit(StateChanged{Reason: ReasonRedirect})
	})
}
