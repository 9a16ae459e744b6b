package event

import (
	"HalvingMassacre/internal/game"
	"encoding/json"
	"fmt"
)

// CommandType discriminates organizer commands.
type CommandType string

const (
	CommandCreate CommandType = "create"
	CommandStart  CommandType = "start"
	CommandClose  CommandType = "close"
)

// CreateGame asks for a new game in SETUP with a placeholder first round.
type CreateGame struct {
	GameID      string `json:"gameId,omitempty"` // generated when empty
	TicketPrice int64  `json:"ticketPrice"`
	MinBet      int64  `json:"minBet"`
	FinalBlock  int64  `json:"finalBlock"`
	PoolPubKey  string `json:"poolPubKey"`
}

// StartGame attaches the massacre schedule and opens the game.
type StartGame struct {
	GameID   string               `json:"gameId"`
	Schedule []game.ScheduleEntry `json:"massacreSchedule"`
}

// CloseGame cancels a game that has not started playing.
type CloseGame struct {
	GameID string `json:"gameId"`
}

func ParseCreateGame(data []byte) (*CreateGame, error) {
	var c CreateGame
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: create command: %v", ErrMalformed, err)
	}
	if c.TicketPrice <= 0 || c.MinBet <= 0 || c.FinalBlock <= 0 {
		return nil, fmt.Errorf("%w: ticketPrice, minBet and finalBlock must be positive", ErrMalformed)
	}
	if c.PoolPubKey == "" {
		return nil, fmt.Errorf("%w: poolPubKey required", ErrMalformed)
	}
	return &c, nil
}

func ParseStartGame(data []byte) (*StartGame, error) {
	var c StartGame
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: start command: %v", ErrMalformed, err)
	}
	if c.GameID == "" {
		return nil, fmt.Errorf("%w: gameId required", ErrMalformed)
	}
	if len(c.Schedule) == 0 {
		return nil, fmt.Errorf("%w: empty massacreSchedule", ErrMalformed)
	}
	return &c, nil
}

func ParseCloseGame(data []byte) (*CloseGame, error) {
	var c CloseGame
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: close command: %v", ErrMalformed, err)
	}
	if c.GameID == "" {
		return nil, fmt.Errorf("%w: gameId required", ErrMalformed)
	}
	return &c, nil
}
