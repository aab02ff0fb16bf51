package ctrl

import (
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

// EventKind names what a controller event is about.
type EventKind string

const (
	EventPlyChanged   EventKind = "ply-changed"
	EventStateChanged EventKind = "state-changed"
	EventGameEnded    EventKind = "game-ended"
	EventOfferChanged EventKind = "offer-changed"
	EventDesync       EventKind = "desync"
	EventLoading      EventKind = "loading"
)

// Event is published on the controller's event channel.
type Event interface {
	EventKind() EventKind
}

// PlyChanged is emitted when the view cursor moves.
type PlyChanged struct {
	Ply  int
	Live bool
}

// StateChanged is emitted for any other change consumers may want to redraw for.
type StateChanged struct {
	Reason   string
	Redirect string
}

// Reasons carried by StateChanged.
const (
	ReasonReload       = "reload"
	ReasonAppended     = "move-appended"
	ReasonAwaiting     = "awaiting-confirmation"
	ReasonSent         = "move-sent"
	ReasonPresence     = "presence"
	ReasonClock        = "clock"
	ReasonBerserk      = "berserk"
	ReasonGone         = "opponent-gone"
	ReasonRedirect     = "redirect"
	ReasonRematch      = "rematch"
	ReasonExpiration   = "expiration"
	ReasonResignArmed  = "resign-confirm"
	ReasonPremoveDrop  = "premove-discarded"
	ReasonPendingReset = "pending-cancelled"
)

type GameEnded struct {
	Status     game.Status
	Winner     *game.Color
	RatingDiff *protocol.RatingDiff
}

type OfferChanged struct {
	Kind  offer.Kind
	State offer.State
}

type Desync struct {
	Err error
}

type Loading struct {
	On bool
}

func (PlyChanged) EventKind() EventKind   { return EventPlyChanged }
func (StateChanged) EventKind() EventKind { return EventStateChanged }
func (GameEnded) EventKind() EventKind    { return EventGameEnded }
func (OfferChanged) EventKind() EventKind { return EventOfferChanged }
func (Desync) EventKind() EventKind       { return EventDesync }
func (Loading) EventKind() EventKind      { return EventLoading }
