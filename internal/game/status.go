package game

import "fmt"

// Status is the lifecycle state of a game.
type Status string

const (
	StatusSetup   Status = "SETUP"
	StatusInitial Status = "INITIAL"
	StatusNormal  Status = "NORMAL"
	StatusFreeze  Status = "FREEZE"
	StatusFinal   Status = "FINAL"
	StatusClosed  Status = "CLOSED"
)

// transitions lists every legal edge of the state machine.
// FREEZE is the only state that can move "backwards" (to NORMAL, entering
// the next round).
var transitions = map[Status][]Status{
	StatusSetup:   {StatusInitial, StatusClosed},
	StatusInitial: {StatusFreeze, StatusClosed},
	StatusNormal:  {StatusFreeze},
	StatusFreeze:  {StatusNormal, StatusFinal},
}

// ParseStatus converts a stored status string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSetup, StatusInitial, StatusNormal, StatusFreeze, StatusFinal, StatusClosed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown game status %q", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFinal || s == StatusClosed
}

// AcceptsTickets reports whether new players may join.
func (s Status) AcceptsTickets() bool {
	return s == StatusSetup || s == StatusInitial
}

// AcceptsPower reports whether alive players may add power.
// Entrants are locked during FREEZE.
func (s Status) AcceptsPower() bool {
	return s == StatusSetup || s == StatusInitial || s == StatusNormal
}

// Freezable reports whether the orchestrator may freeze a game in this status.
func (s Status) Freezable() bool {
	return s == StatusInitial || s == StatusNormal
}

// Transition validates the edge from -> to.
func Transition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
