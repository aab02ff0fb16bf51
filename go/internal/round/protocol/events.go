package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/roundsync/go/internal/round/game"
)

// Kind names an incoming message type.
type Kind string

const (
	KindMoveApplied         Kind = "move-applied"
	KindReload              Kind = "reload"
	KindRedirect            Kind = "redirect"
	KindClockIncrement      Kind = "clock-increment"
	KindCorrespondenceClock Kind = "correspondence-clock"
	KindPresence            Kind = "presence"
	KindGameEnded           Kind = "game-ended"
	KindRematchOffered      Kind = "rematch-offered"
	KindRematchAccepted     Kind = "rematch-accepted"
	KindDrawOffered         Kind = "draw-offered"
	KindPauseOffered        Kind = "pause-offered"
	KindResumeOffered       Kind = "resume-offered"
	KindBerserk             Kind = "berserk"
	KindOpponentLeft        Kind = "opponent-left"
	KindTakebackOffered     Kind = "takeback-offered"
	KindAck                 Kind = "ack"
)

// Event is the closed set of decoded incoming messages.
type Event interface {
	Kind() Kind
	event()
}

// MoveClock is the clock state attached to an authoritative move, in seconds.
type MoveClock struct {
	Sente        float64 `json:"sente"`
	Gote         float64 `json:"gote"`
	SentePeriods int     `json:"sPer"`
	GotePeriods  int     `json:"gPer"`
	LagMillis    int     `json:"lag,omitempty"`
}

// MoveApplied is an authoritative move or drop.
type MoveApplied struct {
	Ply       int                 `json:"ply"`
	Position  string              `json:"sfen"`
	Notation  string              `json:"san"`
	Move      string              `json:"usi"`
	Check     bool                `json:"check,omitempty"`
	Role      string              `json:"role,omitempty"`
	Promotion bool                `json:"promotion,omitempty"`
	Status    *game.Status        `json:"status,omitempty"`
	Winner    *game.Color         `json:"winner,omitempty"`
	SenteDraw bool                `json:"sDraw,omitempty"`
	GoteDraw  bool                `json:"gDraw,omitempty"`
	Dests     map[string][]string `json:"dests,omitempty"`
	Drops     []string            `json:"drops,omitempty"`
	Threefold bool                `json:"threefold,omitempty"`
	Clock     *MoveClock          `json:"clock,omitempty"`
}

// IsDrop reports whether the move placed a piece from hand.
func (m MoveApplied) IsDrop() bool {
	return m.Role != ""
}

// Reload asks for a state refresh. A non-nil Inner carries the message to
// apply instead of refetching the whole state.
type Reload struct {
	Inner *Envelope
}

type Redirect struct {
	URL string `json:"url,omitempty"`
}

type ClockIncrement struct {
	Color  game.Color `json:"color"`
	Millis int        `json:"millis"`
}

// CorrespondenceClock carries remaining seconds per color.
type CorrespondenceClock struct {
	Sente float64 `json:"sente"`
	Gote  float64 `json:"gote"`
}

type Presence struct {
	Sente bool `json:"sente"`
	Gote  bool `json:"gote"`
}

// EndClock is the final clock in centiseconds.
type EndClock struct {
	SenteCentis  int `json:"sc"`
	GoteCentis   int `json:"gc"`
	SentePeriods int `json:"sp"`
	GotePeriods  int `json:"gp"`
}

type RatingDiff struct {
	Sente int `json:"sente"`
	Gote  int `json:"gote"`
}

type GameEnded struct {
	Winner     *game.Color `json:"winner,omitempty"`
	Status     game.Status `json:"status"`
	RatingDiff *RatingDiff `json:"ratingDiff,omitempty"`
	Clock      *EndClock   `json:"clock,omitempty"`
	Boosted    bool        `json:"boosted,omitempty"`
}

// Offered is the common shape of draw, pause, resume and rematch offers.
// An empty By means no offer stands.
type Offered struct {
	By game.Color `json:"by,omitempty"`
}

type RematchOffered struct{ Offered }
type DrawOffered struct{ Offered }
type PauseOffered struct{ Offered }
type ResumeOffered struct{ Offered }

type RematchAccepted struct {
	NextGameID string `json:"nextGameId"`
}

type Berserk struct {
	Color game.Color `json:"color"`
}

// OpponentLeft carries either a claim countdown in seconds or a flag.
type OpponentLeft struct {
	Gone game.Gone
}

type TakebackOffered struct {
	Sente bool `json:"sente"`
	Gote  bool `json:"gote"`
}

// By returns the flag for color.
func (t TakebackOffered) By(c game.Color) bool {
	if c == game.Sente {
		return t.Sente
	}
	return t.Gote
}

type Ack struct {
	Token uint64 `json:"token"`
}

func (MoveApplied) Kind() Kind         { return KindMoveApplied }
func (Reload) Kind() Kind              { return KindReload }
func (Redirect) Kind() Kind            { return KindRedirect }
func (ClockIncrement) Kind() Kind      { return KindClockIncrement }
func (CorrespondenceClock) Kind() Kind { return KindCorrespondenceClock }
func (Presence) Kind() Kind            { return KindPresence }
func (GameEnded) Kind() Kind           { return KindGameEnded }
func (RematchOffered) Kind() Kind      { return KindRematchOffered }
func (RematchAccepted) Kind() Kind     { return KindRematchAccepted }
func (DrawOffered) Kind() Kind         { return KindDrawOffered }
func (PauseOffered) Kind() Kind        { return KindPauseOffered }
func (ResumeOffered) Kind() Kind       { return KindResumeOffered }
func (Berserk) Kind() Kind             { return KindBerserk }
func (OpponentLeft) Kind() Kind        { return KindOpponentLeft }
func (TakebackOffered) Kind() Kind     { return KindTakebackOffered }
func (Ack) Kind() Kind                 { return KindAck }

func (MoveApplied) event()         {}
func (Reload) event()              {}
func (Redirect) event()            {}
func (ClockIncrement) event()      {}
func (CorrespondenceClock) event() {}
func (Presence) event()            {}
func (GameEnded) event()           {}
func (RematchOffered) event()      {}
func (RematchAccepted) event()     {}
func (DrawOffered) event()         {}
func (PauseOffered) event()        {}
func (ResumeOffered) event()       {}
func (Berserk) event()             {}
func (OpponentLeft) event()        {}
func (TakebackOffered) event()     {}
func (Ack) event()                 {}

// ParseEvent decodes an envelope into its typed event. Unknown kinds return
// ErrUnknownKind so the caller can drop them.
func ParseEvent(env Envelope) (Event, error) {
	switch Kind(env.T) {
	case KindMoveApplied:
		return decode[MoveApplied](env)
	case KindReload:
		return parseReload(env)
	case KindRedirect:
		if len(env.D) == 0 {
			return Redirect{}, nil
		}
		return decode[Redirect](env)
	case KindClockIncrement:
		return decode[ClockIncrement](env)
	case KindCorrespondenceClock:
		return decode[CorrespondenceClock](env)
	case KindPresence:
		return decode[Presence](env)
	case KindGameEnded:
		return decode[GameEnded](env)
	case KindRematchOffered:
		o, err := decodeOffered(env)
		return RematchOffered{o}, err
	case KindRematchAccepted:
		return decode[RematchAccepted](env)
	case KindDrawOffered:
		o, err := decodeOffered(env)
		return DrawOffered{o}, err
	case KindPauseOffered:
		o, err := decodeOffered(env)
		return PauseOffered{o}, err
	case KindResumeOffered:
		o, err := decodeOffered(env)
		return ResumeOffered{o}, err
	case KindBerserk:
		return decode[Berserk](env)
	case KindOpponentLeft:
		var g game.Gone
		if err := json.Unmarshal(env.D, &g); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.T, err)
		}
		return OpponentLeft{Gone: g}, nil
	case KindTakebackOffered:
		return decode[TakebackOffered](env)
	case KindAck:
		return decode[Ack](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.T)
	}
}

func decode[T Event](env Envelope) (Event, error) {
	p, err := DecodePayload[T](env)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.T, err)
	}
	return p, nil
}

func decodeOffered(env Envelope) (Offered, error) {
	if len(env.D) == 0 || string(env.D) == "null" {
		return Offered{}, nil
	}
	var o Offered
	if err := json.Unmarshal(env.D, &o); err != nil {
		return Offered{}, fmt.Errorf("decode %s: %w", env.T, err)
	}
	if o.By != "" && !o.By.Valid() {
		return Offered{}, fmt.Errorf("decode %s: invalid color %q", env.T, o.By)
	}
	return o, nil
}

func parseReload(env Envelope) (Event, error) {
	if len(env.D) == 0 || string(env.D) == "null" {
		return Reload{}, nil
	}
	inner, err := DecodeEnvelope(env.D)
	if err != nil {
		return nil, fmt.Errorf("decode reload: %w", err)
	}
	if Kind(inner.T) == KindReload {
		return nil, fmt.Errorf("decode reload: nested reload")
	}
	return Reload{Inner: &inner}, nil
}
