package game

import "errors"

// Domain precondition errors. Callers abort before any mutation when one of
// these is returned and publish nothing.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotAccepting        = errors.New("game not accepting this operation")
	ErrTicketConsumed      = errors.New("ticket already consumed")
	ErrAlreadyPlaying      = errors.New("walias already playing")
	ErrPlayerNotAlive      = errors.New("player not alive in current round")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidSchedule     = errors.New("invalid massacre schedule")
	ErrInvalidWalias       = errors.New("invalid walias")
	ErrDuplicateReceipt    = errors.New("receipt already recorded")
	ErrGameExists          = errors.New("game already exists")
)
