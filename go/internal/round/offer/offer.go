// Package offer implements the two-party handshake shared by draw, takeback,
// pause, resume and rematch offers.
package offer

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
)

var (
	ErrRateLimited     = errors.New("offer rate limited")
	ErrNothingToAccept = errors.New("no offer to accept")
)

// State of a negotiation.
type State int

const (
	None State = iota
	ProposedByMe
	ProposedByOpponent
	BothAgreed
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case ProposedByMe:
		return "proposed-by-me"
	case ProposedByOpponent:
		return "proposed-by-opponent"
	case BothAgreed:
		return "both-agreed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind names a negotiation.
type Kind string

const (
	Draw     Kind = "draw"
	Takeback Kind = "takeback"
	Pause    Kind = "pause"
	Resume   Kind = "resume"
	Rematch  Kind = "rematch"
)

// ConfirmDelay is how long a confirm-before-send proposal waits for the
// second explicit action.
const ConfirmDelay = 3000 * time.Millisecond

// Config describes one negotiation.
type Config struct {
	Kind Kind
	Yes  string
	// No is empty when the server has no withdraw message for this kind.
	No string
	// MinPlies is the number of plies that must pass between two own
	// proposals. Zero disables the limit.
	MinPlies int
	// Confirm requires a second Propose within ConfirmDelay before sending.
	Confirm bool
}

// DefaultConfigs returns the negotiations a round takes part in.
func DefaultConfigs() map[Kind]Config {
	return map[Kind]Config{
		Draw:     {Kind: Draw, Yes: protocol.OutDrawYes, No: protocol.OutDrawNo, MinPlies: 20},
		Takeback: {Kind: Takeback, Yes: protocol.OutTakebackYes, No: protocol.OutTakebackNo},
		Pause:    {Kind: Pause, Yes: protocol.OutPauseYes, No: protocol.OutPauseNo},
		Resume:   {Kind: Resume, Yes: protocol.OutResumeYes},
		Rematch:  {Kind: Rematch, Yes: protocol.OutRematchYes, No: protocol.OutRematchNo},
	}
}

// Sender is the part of the connection manager a negotiation needs.
type Sender interface {
	Send(typ string, payload any, opts protocol.SendOpts) error
}

// Negotiation is one handshake instance. It is owned by the round event loop.
type Negotiation struct {
	cfg          Config
	self         game.Color
	sender       Sender
	sched        *scheduler.Scheduler
	state        State
	lastOfferPly int
	onChange     func(Kind, State)
	onProposal   func(Kind)
	logger       zerolog.Logger
}

// New creates a negotiation for the local player self.
func New(cfg Config, self game.Color, sender Sender, sched *scheduler.Scheduler) *Negotiation {
	return &Negotiation{
		cfg:          cfg,
		self:         self,
		sender:       sender,
		sched:        sched,
		lastOfferPly: -99,
		onChange:     func(Kind, State) {},
		onProposal:   func(Kind) {},
		logger:       log.With().Str("component", "offer").Str("kind", string(cfg.Kind)).Logger(),
	}
}

// OnChange registers the state change callback.
func (n *Negotiation) OnChange(fn func(Kind, State)) {
	n.onChange = fn
}

// OnProposal registers the callback fired once per opponent proposal.
func (n *Negotiation) OnProposal(fn func(Kind)) {
	n.onProposal = fn
}

func (n *Negotiation) Kind() Kind   { return n.cfg.Kind }
func (n *Negotiation) State() State { return n.state }

// LastOfferPly is the ply of the last own proposal that went out.
func (n *Negotiation) LastOfferPly() int {
	return n.lastOfferPly
}

func (n *Negotiation) confirmTask() scheduler.TaskName {
	return scheduler.TaskName("confirm:" + string(n.cfg.Kind))
}

// ConfirmPending reports whether a proposal is waiting for its second action.
func (n *Negotiation) ConfirmPending() bool {
	return n.sched.Pending(n.confirmTask())
}

// CanPropose reports whether the rate limit allows an own proposal at ply.
func (n *Negotiation) CanPropose(ply int) bool {
	return n.cfg.MinPlies == 0 || n.lastOfferPly < ply-n.cfg.MinPlies
}

// Propose makes an own proposal at ply. When the opponent already proposed
// this accepts instead. With Confirm set, the first call only arms the
// confirmation task and the second one sends.
func (n *Negotiation) Propose(ply int) error {
	switch n.state {
	case ProposedByOpponent:
		return n.Accept()
	case ProposedByMe, BothAgreed:
		return nil
	}

	if !n.CanPropose(ply) {
		n.logger.Debug().Int("ply", ply).Int("last_offer_ply", n.lastOfferPly).Msg("proposal suppressed")
		return fmt.Errorf("%s at ply %d: %w", n.cfg.Kind, ply, ErrRateLimited)
	}

	if n.cfg.Confirm && !n.ConfirmPending() {
		n.sched.Schedule(n.confirmTask(), ConfirmDelay, func() {
			n.logger.Debug().Msg("confirmation expired")
		})
		return nil
	}
	n.sched.Cancel(n.confirmTask())

	if err := n.sender.Send(n.cfg.Yes, nil, protocol.SendOpts{}); err != nil {
		return fmt.Errorf("propose %s: %w", n.cfg.Kind, err)
	}
	n.lastOfferPly = ply
	n.setState(ProposedByMe)
	return nil
}

// Accept agrees to the opponent's proposal.
func (n *Negotiation) Accept() error {
	if n.state != ProposedByOpponent {
		return fmt.Errorf("accept %s: %w", n.cfg.Kind, ErrNothingToAccept)
	}
	n.sched.Cancel(n.confirmTask())
	if err := n.sender.Send(n.cfg.Yes, nil, protocol.SendOpts{}); err != nil {
		return fmt.Errorf("accept %s: %w", n.cfg.Kind, err)
	}
	n.setState(BothAgreed)
	return nil
}

// Cancel withdraws an own proposal or declines the opponent's. A withdraw
// message goes out only if there was something on the wire to withdraw.
func (n *Negotiation) Cancel() error {
	n.sched.Cancel(n.confirmTask())
	if n.state == None {
		return nil
	}
	prev := n.state
	n.setState(None)
	if (prev == ProposedByMe || prev == ProposedByOpponent) && n.cfg.No != "" {
		if err := n.sender.Send(n.cfg.No, nil, protocol.SendOpts{}); err != nil {
			return fmt.Errorf("cancel %s: %w", n.cfg.Kind, err)
		}
	}
	return nil
}

// CancelPending drops an armed confirmation without sending anything.
func (n *Negotiation) CancelPending() {
	n.sched.Cancel(n.confirmTask())
}

// Receive applies the server's view of who is proposing. An empty by means
// no proposal stands.
func (n *Negotiation) Receive(by game.Color) {
	switch by {
	case "":
		n.Sync(false, false)
	case n.self:
		n.Sync(true, n.state == ProposedByOpponent)
	default:
		n.Sync(n.state == ProposedByMe, true)
	}
}

// Sync applies per-side proposal flags, as carried by snapshots and
// takeback pushes.
func (n *Negotiation) Sync(mine, theirs bool) {
	switch {
	case mine && theirs:
		n.setState(BothAgreed)
	case mine:
		n.setState(ProposedByMe)
	case theirs:
		if n.state != ProposedByOpponent && n.state != BothAgreed {
			n.setState(ProposedByOpponent)
			n.onProposal(n.cfg.Kind)
		}
	default:
		// An armed confirmation outlives snapshots that carry no proposal.
		if n.state != None {
			n.sched.Cancel(n.confirmTask())
			n.setState(None)
		}
	}
}

// Reset forgets the negotiation, rate limit included.
func (n *Negotiation) Reset() {
	n.sched.Cancel(n.confirmTask())
	n.state = None
	n.lastOfferPly = -99
}

func (n *Negotiation) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Debug().Stringer("from", n.state).Stringer("to", s).Msg("offer state changed")
	n.state = s
	n.onChange(n.cfg.Kind, s)
}
