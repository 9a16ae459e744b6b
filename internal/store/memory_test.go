package store_test

import (
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"errors"
	"testing"
)

func seedGame(t *testing.T, s *store.Memory, id string, status game.Status, r game.Round) {
	t.Helper()
	r.GameID = id
	g := &game.Game{ID: id, Status: status, CurrentRoundID: r.ID, TicketPrice: 1000, MinBet: 100}
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertGame(g, &r)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMemory_RollbackOnError(t *testing.T) {
	s := store.NewMemory()
	seedGame(t, s, "g1", game.StatusSetup, game.Round{ID: "r1", Number: 1})
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		g, err := tx.LockGame("g1")
		if err != nil {
			return err
		}
		g.CurrentPool = 999
		if err := tx.UpdateGame(g); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	st, err := s.GameState(ctx, "g1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Game.CurrentPool != 0 {
		t.Errorf("rolled back write is visible: pool=%d", st.Game.CurrentPool)
	}
}

func TestMemory_DuplicateReceipt(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	insert := func() error {
		return s.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertReceipt(&game.Receipt{ID: "z1", GameID: "g1", Kind: game.ReceiptPower})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, game.ErrDuplicateReceipt) {
		t.Fatalf("second insert: got %v, want ErrDuplicateReceipt", err)
	}

	unanswered, _ := s.UnansweredReceipts(ctx, 10)
	if len(unanswered) != 1 {
		t.Fatalf("unanswered: got %d, want 1", len(unanswered))
	}
	if err := s.MarkAnswered(ctx, "z1"); err != nil {
		t.Fatalf("mark answered: %v", err)
	}
	unanswered, _ = s.UnansweredReceipts(ctx, 10)
	if len(unanswered) != 0 {
		t.Errorf("unanswered after mark: %d", len(unanswered))
	}
}

func TestMemory_DueGames(t *testing.T) {
	s := store.NewMemory()
	seedGame(t, s, "freeze-now", game.StatusInitial, game.Round{ID: "a", FreezeHeight: 95, MassacreHeight: 100})
	seedGame(t, s, "too-early", game.StatusNormal, game.Round{ID: "b", FreezeHeight: 96, MassacreHeight: 100})
	seedGame(t, s, "overdue", game.StatusFreeze, game.Round{ID: "c", FreezeHeight: 80, MassacreHeight: 90})
	seedGame(t, s, "setup", game.StatusSetup, game.Round{ID: "d", FreezeHeight: 90, MassacreHeight: 100})
	seedGame(t, s, "missed", game.StatusNormal, game.Round{ID: "e", FreezeHeight: 80, MassacreHeight: 95})

	due, err := s.DueGames(context.Background(), 95)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 || due[0].GameID != "freeze-now" || due[1].GameID != "overdue" {
		t.Errorf("due games: %+v", due)
	}
}

func TestMemory_AdvanceBlockSkipsTerminal(t *testing.T) {
	s := store.NewMemory()
	seedGame(t, s, "live", game.StatusNormal, game.Round{ID: "a"})
	seedGame(t, s, "done", game.StatusFinal, game.Round{ID: "b"})
	ctx := context.Background()

	if err := s.AdvanceBlock(ctx, 500); err != nil {
		t.Fatalf("advance: %v", err)
	}
	live, _ := s.GameState(ctx, "live")
	done, _ := s.GameState(ctx, "done")
	if live.Game.CurrentBlock != 500 || done.Game.CurrentBlock != 0 {
		t.Errorf("blocks: live=%d done=%d", live.Game.CurrentBlock, done.Game.CurrentBlock)
	}
}

func TestMemory_UpsertTicketReturnsExisting(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	var first, second *game.Ticket
	err := s.InTx(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.UpsertTicket(&game.Ticket{ID: "t1", GameID: "g1", Walias: "a@x.io"})
		if err != nil {
			return err
		}
		second, err = tx.UpsertTicket(&game.Ticket{ID: "t2", GameID: "g1", Walias: "a@x.io"})
		return err
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID != "t1" || second.ID != "t1" {
		t.Errorf("ids: %s %s", first.ID, second.ID)
	}
}
