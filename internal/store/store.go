// Package store defines the transactional persistence boundary of the engine.
//
// Every multi-entity mutation runs inside InTx: either all of its writes
// commit or none do. Readers outside a transaction see committed data only.
package store

import (
	"HalvingMassacre/internal/game"
	"context"
)

// Due is a game whose current round has reached a freeze or massacre height.
type Due struct {
	GameID string
	Status game.Status
	Round  game.Round
}

// Store is implemented by the Postgres store and the in-memory store.
type Store interface {
	// InTx runs fn in one transaction. fn's error rolls back and is returned.
	InTx(ctx context.Context, fn func(Tx) error) error

	// GameState reads one game with its current round and every player.
	GameState(ctx context.Context, gameID string) (*game.State, error)

	// GameStates batch-reads games by id. Unknown ids are skipped.
	GameStates(ctx context.Context, gameIDs []string) ([]*game.State, error)

	Ticket(ctx context.Context, ticketID string) (*game.Ticket, error)
	Receipt(ctx context.Context, id string) (*game.Receipt, error)
	MarkAnswered(ctx context.Context, receiptID string) error
	UnansweredReceipts(ctx context.Context, limit int) ([]game.Receipt, error)

	// AdvanceBlock sets currentBlock = height on every non-terminal game
	// whose currentBlock is lower.
	AdvanceBlock(ctx context.Context, height int64) error

	// DueGames lists games in INITIAL/NORMAL with freezeHeight <= height <
	// massacreHeight, and games in FREEZE with massacreHeight <= height.
	DueGames(ctx context.Context, height int64) ([]Due, error)

	Close() error
}

// Tx is the set of operations available inside a transaction. Lookups
// return game.ErrNotFound when the row does not exist.
type Tx interface {
	InsertGame(g *game.Game, first *game.Round) error

	// LockGame reads a game and holds it until the transaction ends.
	LockGame(gameID string) (*game.Game, error)
	UpdateGame(g *game.Game) error

	Round(roundID string) (*game.Round, error)
	// SaveRounds inserts rounds or overwrites them by id.
	SaveRounds(rounds []game.Round) error

	AlivePlayers(gameID string) ([]game.Player, error)
	PlayerByWalias(gameID, walias string) (*game.Player, error)
	InsertPlayer(p *game.Player) error
	UpdatePlayer(p *game.Player) error
	CreditPower(gameID string, playerIDs []string, delta int64) error
	KillPlayers(gameID string, playerIDs []string, roundID string) error

	RoundPlayer(roundID, playerID string) (*game.RoundPlayer, error)
	InsertRoundPlayers(rps []game.RoundPlayer) error
	UpdateRoundPlayer(rp *game.RoundPlayer) error

	// UpsertTicket returns the existing ticket for (gameID, walias) or inserts t.
	UpsertTicket(t *game.Ticket) (*game.Ticket, error)
	LockTicket(ticketID string) (*game.Ticket, error)
	BindTicket(ticketID, playerID string) error

	// InsertReceipt fails with game.ErrDuplicateReceipt if the id exists.
	InsertReceipt(r *game.Receipt) error

	// State reads the game as the transaction currently sees it.
	State(gameID string) (*game.State, error)
}
