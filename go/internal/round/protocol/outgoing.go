package protocol

import "github.com/mcdev12/roundsync/go/internal/round/game"

// Outgoing message types.
const (
	OutMove        = "move"
	OutDrop        = "drop"
	OutResign      = "resign"
	OutDrawYes     = "draw-yes"
	OutDrawNo      = "draw-no"
	OutTakebackYes = "takeback-yes"
	OutTakebackNo  = "takeback-no"
	OutPauseYes    = "pause-yes"
	OutPauseNo     = "pause-no"
	OutResumeYes   = "resume-yes"
	OutRematchYes  = "rematch-yes"
	OutRematchNo   = "rematch-no"
	OutBerserk     = "berserk"
	OutMoreTime    = "more-time"
	OutFlag        = "flag"
	OutBye         = "bye"
	OutPing        = "ping"
)

// SendOpts are delivery options of an outgoing message.
type SendOpts struct {
	Ackable bool // Resend until the server acknowledges
	WithLag bool // Attach the measured lag
	Millis  *int // Elapsed move time, when reported
}

// MovePayload is the body of a move message.
type MovePayload struct {
	U string `json:"u"`
	B int    `json:"b,omitempty"`
}

// DropPayload is the body of a drop message.
type DropPayload struct {
	Role string `json:"role"`
	Pos  string `json:"pos"`
	B    int    `json:"b,omitempty"`
}

// FlagPayload claims that color ran out of time.
type FlagPayload struct {
	Color game.Color `json:"color"`
}

// NewMovePayload packages a board move. blur marks a move made while the window was unfocused.
func NewMovePayload(m game.Move, blur bool) MovePayload {
	p := MovePayload{U: m.USI()}
	if blur {
		p.B = 1
	}
	return p
}

// NewDropPayload packages a drop from hand.
func NewDropPayload(d game.Drop, blur bool) DropPayload {
	p := DropPayload{Role: d.Role, Pos: d.Dest}
	if blur {
		p.B = 1
	}
	return p
}
