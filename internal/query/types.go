package query

import (
	"HalvingMassacre/internal/game"
	"time"
)

// RoundResponse is one round of a game.
type RoundResponse struct {
	ID             string `json:"id"`
	Number         int    `json:"number"`
	MassacreHeight int64  `json:"massacre_height"`
	FreezeHeight   int64  `json:"freeze_height"`
	Survivors      int    `json:"survivors"`
	Final          bool   `json:"final"`
}

// PlayerPower is one entry of the power ranking.
type PlayerPower struct {
	Walias string `json:"walias"`
	Power  int64  `json:"power"`
}

// GameResponse represents a game for API queries.
type GameResponse struct {
	ID           string        `json:"id"`
	Status       game.Status   `json:"status"`
	CurrentBlock int64         `json:"current_block"`
	CurrentPool  int64         `json:"current_pool"` // msats
	TicketPrice  int64         `json:"ticket_price"`
	MinBet       int64         `json:"min_bet"`
	FinalBlock   int64         `json:"final_block"`
	PoolPubKey   string        `json:"pool_pub_key"`
	CurrentRound RoundResponse `json:"current_round"`
	TopPlayers   []PlayerPower `json:"top_players"`
	AliveCount   int           `json:"alive_count"`
	PlayerCount  int           `json:"player_count"`
}

// ProfileResponse represents one player for API queries.
type ProfileResponse struct {
	GameID       string `json:"game_id"`
	Walias       string `json:"walias"`
	Power        int64  `json:"power"`
	Alive        bool   `json:"alive"`
	DeathRoundID string `json:"death_round_id,omitempty"`
	Zapped       int64  `json:"zapped"`
	ZapCount     int64  `json:"zap_count"`
	MaxZap       int64  `json:"max_zap"`
	Rank         int    `json:"rank"` // 1-based among every player of the game
}

// TicketResponse is a reserved ticket. The caller pays for it with a TICKET zap.
type TicketResponse struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	Walias    string    `json:"walias"`
	Price     int64     `json:"price"` // msats
	CreatedAt time.Time `json:"created_at"`
}
