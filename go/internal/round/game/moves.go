package game

import (
	"fmt"
	"strings"
)

// Move is a board move in USI coordinates, e.g. "7g7f" or "8h2b+".
type Move struct {
	Orig      string
	Dest      string
	Promotion bool
}

// ParseMove reads a USI move string. Drops ("P*5e") are rejected.
func ParseMove(usi string) (Move, error) {
	if strings.Contains(usi, "*") {
		return Move{}, fmt.Errorf("parse move %q: drop notation", usi)
	}
	if len(usi) != 4 && !(len(usi) == 5 && usi[4] == '+') {
		return Move{}, fmt.Errorf("parse move %q: bad length", usi)
	}
	return Move{Orig: usi[0:2], Dest: usi[2:4], Promotion: len(usi) == 5}, nil
}

// USI renders the move for the wire.
func (m Move) USI() string {
	s := m.Orig + m.Dest
	if m.Promotion {
		s += "+"
	}
	return s
}

// Drop places a piece from hand.
type Drop struct {
	Role string
	Dest string
}

// USI renders the drop, e.g. "P*5e".
func (d Drop) USI() string {
	return roleLetter(d.Role) + "*" + d.Dest
}

// ParseDrop reads a USI drop string such as "P*5e".
func ParseDrop(usi string) (Drop, bool) {
	if len(usi) != 4 || usi[1] != '*' {
		return Drop{}, false
	}
	role, ok := letterRoles[usi[0:1]]
	if !ok {
		return Drop{}, false
	}
	return Drop{Role: role, Dest: usi[2:4]}, true
}

var letterRoles = map[string]string{
	"P": "pawn",
	"L": "lance",
	"N": "knight",
	"S": "silver",
	"G": "gold",
	"B": "bishop",
	"R": "rook",
}

func roleLetter(role string) string {
	for letter, r := range letterRoles {
		if r == role {
			return letter
		}
	}
	return "?"
}

// IsCapture reports whether notation marks a capture.
func IsCapture(notation string) bool {
	return strings.Contains(notation, "x")
}
