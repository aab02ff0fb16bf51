package game

import (
	"encoding/json"
	"fmt"
	"time"
)

// Color identifies a side of the board.
type Color string

const (
	Sente Color = "sente"
	Gote  Color = "gote"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == Sente {
		return Gote
	}
	return Sente
}

// Valid reports whether c is one of the two board colors.
func (c Color) Valid() bool {
	return c == Sente || c == Gote
}

// ColorToMove returns the color whose turn it is once ply half-moves have been played.
func ColorToMove(ply int) Color {
	if ply%2 == 0 {
		return Sente
	}
	return Gote
}

// StatusID follows the server's numeric status codes.
type StatusID int

const (
	StatusCreated        StatusID = 10
	StatusStarted        StatusID = 20
	StatusPaused         StatusID = 21
	StatusAborted        StatusID = 25
	StatusMate           StatusID = 30
	StatusResign         StatusID = 31
	StatusStalemate      StatusID = 32
	StatusTimeout        StatusID = 33
	StatusDraw           StatusID = 34
	StatusOutoftime      StatusID = 35
	StatusCheat          StatusID = 36
	StatusNoStart        StatusID = 37
	StatusUnknownFinish  StatusID = 38
	StatusImpasse        StatusID = 40
	StatusPerpetualCheck StatusID = 41
)

// Status is the game status as pushed by the server.
type Status struct {
	ID   StatusID `json:"id"`
	Name string   `json:"name"`
}

// Game holds the identity and progress of a round.
type Game struct {
	ID        string  `json:"id"`
	Variant   string  `json:"variant"`
	Speed     string  `json:"speed"`
	Turns     int     `json:"turns"`
	StartPly  int     `json:"startedAtTurn,omitempty"`
	Player    Color   `json:"player"`
	Status    Status  `json:"status"`
	Winner    *Color  `json:"winner,omitempty"`
	Rematch   string  `json:"rematch,omitempty"`
	Threefold bool    `json:"threefold,omitempty"`
	Boosted   bool    `json:"boosted,omitempty"`
	Source    string  `json:"source,omitempty"`
	Imported  bool    `json:"imported,omitempty"`
	Clock     *string `json:"clock,omitempty"`
}

// User is the account behind a seat, nil for anonymous players.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}

// Player is one seat of the round. Offer flags mirror the server's view.
type Player struct {
	Color             Color `json:"color"`
	User              *User `json:"user,omitempty"`
	Rating            int   `json:"rating,omitempty"`
	RatingDiff        int   `json:"ratingDiff,omitempty"`
	Provisional       bool  `json:"provisional,omitempty"`
	Spectator         bool  `json:"spectator,omitempty"`
	AI                int   `json:"ai,omitempty"`
	Berserk           bool  `json:"berserk,omitempty"`
	OfferingDraw      bool  `json:"offeringDraw,omitempty"`
	ProposingTakeback bool  `json:"proposingTakeback,omitempty"`
	OfferingPause     bool  `json:"offeringPause,omitempty"`
	OfferingResume    bool  `json:"offeringResume,omitempty"`
	OfferingRematch   bool  `json:"offeringRematch,omitempty"`
	OnGame            bool  `json:"onGame"`
	Gone              Gone  `json:"gone,omitempty"`
	Version           int   `json:"version,omitempty"`
}

// IsAI reports whether the seat is played by the engine.
func (p *Player) IsAI() bool {
	return p.AI > 0
}

// Gone is either a countdown in seconds before the absent player can be
// claimed against, or a plain flag once the countdown is over.
type Gone struct {
	Seconds int
	Flag    bool
}

// Active reports whether the player is considered gone at all.
func (g Gone) Active() bool {
	return g.Flag || g.Seconds > 0
}

func (g Gone) MarshalJSON() ([]byte, error) {
	if g.Seconds > 0 {
		return json.Marshal(g.Seconds)
	}
	return json.Marshal(g.Flag)
}

func (g *Gone) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*g = Gone{Flag: flag}
		return nil
	}
	var secs int
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("gone must be a boolean or a number of seconds: %w", err)
	}
	*g = Gone{Seconds: secs}
	return nil
}

// Step is one authoritative half-move.
type Step struct {
	Ply      int    `json:"ply"`
	Position string `json:"sfen"`
	Notation string `json:"san,omitempty"`
	Move     string `json:"usi,omitempty"`
	Check    bool   `json:"check,omitempty"`
}

// Pref carries the local player's behaviour preferences.
type Pref struct {
	SubmitMove    bool `json:"submitMove"`
	ConfirmResign bool `json:"confirmResign"`
	ClockSound    bool `json:"clockSound"`
	Replay        int  `json:"replay"`
	KeyboardMove  bool `json:"keyboardMove,omitempty"`
}

// ClockData is the live clock as carried by a full snapshot, in seconds.
type ClockData struct {
	Running      bool    `json:"running"`
	Initial      int     `json:"initial"`
	Increment    int     `json:"increment"`
	Byoyomi      int     `json:"byoyomi"`
	Periods      int     `json:"periods"`
	Sente        float64 `json:"sente"`
	Gote         float64 `json:"gote"`
	SentePeriods int     `json:"sPeriods"`
	GotePeriods  int     `json:"gPeriods"`
	Emerg        int     `json:"emerg,omitempty"`
	MoretimeSec  int     `json:"moretime,omitempty"`
}

// CorrespondenceData is the day-granularity clock, remaining values in seconds.
type CorrespondenceData struct {
	DaysPerTurn int     `json:"daysPerTurn"`
	Increment   int     `json:"increment"`
	Sente       float64 `json:"sente"`
	Gote        float64 `json:"gote"`
}

// Expiration is the countdown before an unstarted game is aborted.
type Expiration struct {
	IdleMillis   int       `json:"idleMillis"`
	MillisToMove int       `json:"millisToMove"`
	MovedAt      time.Time `json:"-"`
}

// Data is the full state of a round as owned by the round controller.
type Data struct {
	Game           Game                `json:"game"`
	Player         Player              `json:"player"`
	Opponent       Player              `json:"opponent"`
	Steps          []Step              `json:"steps"`
	Pref           Pref                `json:"pref"`
	Clock          *ClockData          `json:"clock,omitempty"`
	Correspondence *CorrespondenceData `json:"correspondence,omitempty"`
	Expiration     *Expiration         `json:"expiration,omitempty"`
	PossibleMoves  map[string][]string `json:"possibleMoves,omitempty"`
	PossibleDrops  []string            `json:"possibleDrops,omitempty"`
	Takebackable   bool                `json:"takebackable"`
	Moretimeable   bool                `json:"moretimeable"`
	URL            struct {
		Socket string `json:"socket"`
		Round  string `json:"round"`
	} `json:"url"`
}
