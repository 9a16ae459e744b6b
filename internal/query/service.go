package query

import (
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"fmt"
)

// QueryService provides read-only views of games and players.
// Views are built from committed store state, the same reads the state
// publisher snapshots.
type QueryService struct {
	store store.Store
}

func NewQueryService(st store.Store) *QueryService {
	return &QueryService{store: st}
}

// GetGame returns a game with the power ranking of its current round.
// topN <= 0 uses game.TopPlayers.
func (qs *QueryService) GetGame(ctx context.Context, gameID string, topN int) (*GameResponse, error) {
	st, err := qs.store.GameState(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", gameID, err)
	}
	if topN <= 0 {
		topN = game.TopPlayers
	}

	ranked := st.RoundPlayers()
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	top := make([]PlayerPower, 0, len(ranked))
	for _, p := range ranked {
		top = append(top, PlayerPower{Walias: p.Walias, Power: p.Power})
	}

	g := st.Game
	r := st.CurrentRound
	return &GameResponse{
		ID:           g.ID,
		Status:       g.Status,
		CurrentBlock: g.CurrentBlock,
		CurrentPool:  g.CurrentPool,
		TicketPrice:  g.TicketPrice,
		MinBet:       g.MinBet,
		FinalBlock:   g.FinalBlock,
		PoolPubKey:   g.PoolPubKey,
		CurrentRound: RoundResponse{
			ID:             r.ID,
			Number:         r.Number,
			MassacreHeight: r.MassacreHeight,
			FreezeHeight:   r.FreezeHeight,
			Survivors:      r.Survivors,
			Final:          r.IsFinal(),
		},
		TopPlayers:  top,
		AliveCount:  len(st.Alive()),
		PlayerCount: len(st.Players),
	}, nil
}

// GetProfile returns one player of a game. walias is normalized first.
func (qs *QueryService) GetProfile(ctx context.Context, gameID, walias string) (*ProfileResponse, error) {
	walias, err := game.NormalizeWalias(walias)
	if err != nil {
		return nil, err
	}
	st, err := qs.store.GameState(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", gameID, err)
	}

	for i, p := range st.Players {
		if p.Walias != walias {
			continue
		}
		return &ProfileResponse{
			GameID:       gameID,
			Walias:       p.Walias,
			Power:        p.Power,
			Alive:        p.Alive(),
			DeathRoundID: p.DeathRoundID,
			Zapped:       p.Zapped,
			ZapCount:     p.ZapCount,
			MaxZap:       p.MaxZap,
			Rank:         i + 1,
		}, nil
	}
	return nil, fmt.Errorf("player %s in game %s: %w", walias, gameID, game.ErrNotFound)
}

// NewTicketResponse converts a reserved ticket.
func NewTicketResponse(t *game.Ticket, price int64) *TicketResponse {
	return &TicketResponse{
		ID:        t.ID,
		GameID:    t.GameID,
		Walias:    t.Walias,
		Price:     price,
		CreatedAt: t.CreatedAt,
	}
}
