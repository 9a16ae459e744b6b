package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"errors"
	"fmt"
)

// CreateGame opens a game in SETUP with a placeholder first round that
// StartGame replaces with the real schedule.
func (e *Engine) CreateGame(ctx context.Context, cmd *event.CreateGame) (*game.State, error) {
	id := cmd.GameID
	if id == "" {
		id = e.newID()
	}
	first := &game.Round{
		ID:             e.newID(),
		GameID:         id,
		Number:         1,
		MassacreHeight: cmd.FinalBlock,
		FreezeHeight:   cmd.FinalBlock - 1,
		Survivors:      1,
	}
	g := &game.Game{
		ID:             id,
		Status:         game.StatusSetup,
		CurrentBlock:   e.heights.Last(),
		TicketPrice:    cmd.TicketPrice,
		MinBet:         cmd.MinBet,
		CurrentRoundID: first.ID,
		FinalBlock:     cmd.FinalBlock,
		PoolPubKey:     cmd.PoolPubKey,
		CreatedAt:      e.now(),
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	var st *game.State
	err := e.inTx(ctx, "create", func(tx store.Tx) error {
		if _, err := tx.LockGame(id); err == nil {
			return fmt.Errorf("game %s: %w", id, game.ErrGameExists)
		} else if !errors.Is(err, game.ErrNotFound) {
			return err
		}
		if err := tx.InsertGame(g, first); err != nil {
			return err
		}
		var err error
		st, err = tx.State(id)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.states.Queue(id, id)
	e.log.Info().
		Str("game_id", id).
		Int64("ticket_price", g.TicketPrice).
		Int64("final_block", g.FinalBlock).
		Msg("game created")
	return st, nil
}

// StartGame attaches the massacre schedule and moves the game to INITIAL.
func (e *Engine) StartGame(ctx context.Context, cmd *event.StartGame) (*game.State, PublishReport, error) {
	unlock := e.locks.Lock(cmd.GameID)
	defer unlock()

	var st *game.State
	err := e.inTx(ctx, "start", func(tx store.Tx) error {
		g, err := tx.LockGame(cmd.GameID)
		if err != nil {
			return err
		}
		if err := game.Transition(g.Status, game.StatusInitial); err != nil {
			return err
		}
		if err := game.ValidateSchedule(cmd.Schedule, g.FinalBlock); err != nil {
			return err
		}
		rounds := game.BuildRounds(g.ID, g.CurrentRoundID, cmd.Schedule, e.newID)
		if err := tx.SaveRounds(rounds); err != nil {
			return err
		}
		g.Status = game.StatusInitial
		if err := tx.UpdateGame(g); err != nil {
			return err
		}
		st, err = tx.State(g.ID)
		return err
	})
	if err != nil {
		return nil, PublishReport{}, err
	}

	msg, err := e.fanout.Seal(event.Start(st.Game.ID, st.Game.CurrentBlock, cmd.Schedule))
	if err != nil {
		return st, PublishReport{}, fmt.Errorf("build start: %w", err)
	}
	report := e.fanout.Publish(ctx, st.Game.ID, "start", msg)
	e.states.Queue(st.Game.ID, msg.ID)

	e.log.Info().
		Str("game_id", st.Game.ID).
		Int("rounds", len(cmd.Schedule)).
		Int64("first_freeze", st.CurrentRound.FreezeHeight).
		Msg("game started")
	return st, report, nil
}

// CloseGame cancels a game that is still in SETUP or INITIAL.
func (e *Engine) CloseGame(ctx context.Context, cmd *event.CloseGame) (*game.State, PublishReport, error) {
	unlock := e.locks.Lock(cmd.GameID)
	defer unlock()

	var st *game.State
	err := e.inTx(ctx, "close", func(tx store.Tx) error {
		g, err := tx.LockGame(cmd.GameID)
		if err != nil {
			return err
		}
		if err := game.Transition(g.Status, game.StatusClosed); err != nil {
			return err
		}
		g.Status = game.StatusClosed
		if err := tx.UpdateGame(g); err != nil {
			return err
		}
		st, err = tx.State(g.ID)
		return err
	})
	if err != nil {
		return nil, PublishReport{}, err
	}

	msg, err := e.fanout.Seal(event.Close(st.Game.ID, st.Game.CurrentBlock))
	if err != nil {
		return st, PublishReport{}, fmt.Errorf("build close: %w", err)
	}
	report := e.fanout.Publish(ctx, st.Game.ID, "close", msg)
	e.states.Queue(st.Game.ID, msg.ID)

	e.log.Info().Str("game_id", st.Game.ID).Msg("game closed")
	return st, report, nil
}

// ReserveTicket returns the ticket of walias in a game, creating it when
// needed. Paying the ticket turns it into a player.
func (e *Engine) ReserveTicket(ctx context.Context, gameID, walias string) (*game.Ticket, error) {
	walias, err := game.NormalizeWalias(walias)
	if err != nil {
		return nil, err
	}

	var tk *game.Ticket
	err = e.inTx(ctx, "ticket", func(tx store.Tx) error {
		g, err := tx.LockGame(gameID)
		if err != nil {
			return err
		}
		if !g.Status.AcceptsTickets() {
			return fmt.Errorf("%w: tickets in %s", game.ErrNotAccepting, g.Status)
		}
		if _, err := tx.PlayerByWalias(gameID, walias); err == nil {
			return fmt.Errorf("%s: %w", walias, game.ErrAlreadyPlaying)
		} else if !errors.Is(err, game.ErrNotFound) {
			return err
		}
		tk, err = tx.UpsertTicket(&game.Ticket{
			ID:        e.newID(),
			GameID:    gameID,
			Walias:    walias,
			CreatedAt: e.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return tk, nil
}
