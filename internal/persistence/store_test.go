package persistence_test

import (
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/persistence"
	"HalvingMassacre/internal/store"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestInsertReceiptDuplicate(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO massacre.receipts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := pg.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertReceipt(&game.Receipt{
			ID: "rcpt-1", GameID: "g1", Kind: game.ReceiptPower, RoundID: "r1", PlayerID: "p1",
			Walias: "alice@ln.tips", Amount: 1000, Raw: []byte(`{}`), CreatedAt: time.Now(),
		})
	})
	assert.True(t, errors.Is(err, game.ErrDuplicateReceipt), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReceiptCommits(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO massacre.receipts`).
		WithArgs("rcpt-2", "g1", "TICKET", "r1", "p1", "tk1", "bob@ln.tips", "hi",
			int64(1000), sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertReceipt(&game.Receipt{
			ID: "rcpt-2", GameID: "g1", Kind: game.ReceiptTicket, RoundID: "r1", PlayerID: "p1",
			TicketID: "tk1", Walias: "bob@ln.tips", Message: "hi", Amount: 1000,
			Raw: []byte(`{}`), CreatedAt: time.Now(),
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertGameExists(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO massacre.games`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := pg.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertGame(
			&game.Game{ID: "g1", Status: game.StatusSetup, CurrentRoundID: "r1", CreatedAt: time.Now()},
			&game.Round{ID: "r1", GameID: "g1", Number: 1},
		)
	})
	assert.True(t, errors.Is(err, game.ErrGameExists), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockGameNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM massacre.games WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := pg.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.LockGame("missing")
		return err
	})
	assert.True(t, errors.Is(err, game.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAnsweredNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectExec(`UPDATE massacre.receipts SET is_answered = TRUE`).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := pg.MarkAnswered(context.Background(), "nope")
	assert.True(t, errors.Is(err, game.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceBlock(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	mock.ExpectExec(`UPDATE massacre.games SET current_block = \$1`).
		WithArgs(int64(840000)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	assert.NoError(t, pg.AdvanceBlock(context.Background(), 840000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDueGames(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	cols := []string{"id", "status", "id", "game_id", "number", "massacre_height",
		"freeze_height", "survivors", "next_round_id", "prev_round_id"}
	mock.ExpectQuery(`FROM massacre.games g\s+JOIN massacre.rounds r`).
		WithArgs(int64(110)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("g1", "FREEZE", "r2", "g1", 2, 110, 105, 3, "r3", "r1").
			AddRow("g2", "INITIAL", "s1", "g2", 1, 114, 109, 8, "s2", nil))

	due, err := pg.DueGames(context.Background(), 110)
	require.NoError(t, err)
	require.Len(t, due, 2)

	assert.Equal(t, "g1", due[0].GameID)
	assert.Equal(t, game.StatusFreeze, due[0].Status)
	assert.Equal(t, int64(110), due[0].Round.MassacreHeight)
	assert.Equal(t, "r3", due[0].Round.NextRoundID)
	assert.Equal(t, game.StatusInitial, due[1].Status)
	assert.Empty(t, due[1].Round.PrevRoundID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDueGamesUnknownStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	pg := persistence.NewPostgres(db)

	cols := []string{"id", "status", "id", "game_id", "number", "massacre_height",
		"freeze_height", "survivors", "next_round_id", "prev_round_id"}
	mock.ExpectQuery(`FROM massacre.games g`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("g1", "PAUSED", "r1", "g1", 1, 110, 105, 3, nil, nil))

	_, err := pg.DueGames(context.Background(), 110)
	assert.Error(t, err)
}

// ============================================================================
// Test: Publish log
// ============================================================================

func TestPublishLogWriteBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	w := persistence.NewPublishLogWriter(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO massacre.publish_log`).
		WithArgs(
			"m1", "g1", "freeze", "freeze", true, nil, now,
			"m2", "g1", "massacre", "massacre", false, "timeout", now,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := w.WriteBatch(context.Background(), []persistence.PublishRecord{
		{MessageID: "m1", GameID: "g1", Label: "freeze", Cause: "freeze", OK: true, PublishedAt: now},
		{MessageID: "m2", GameID: "g1", Label: "massacre", Cause: "massacre", Error: "timeout", PublishedAt: now},
	}, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishLogWriteBatchEmpty(t *testing.T) {
	db, mock := setupMockDB(t)
	w := persistence.NewPublishLogWriter(db)

	assert.NoError(t, w.WriteBatch(context.Background(), nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishLogFailedSince(t *testing.T) {
	db, mock := setupMockDB(t)
	w := persistence.NewPublishLogWriter(db)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`FROM massacre.publish_log`).
		WithArgs("g1", since, 10).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "game_id", "label", "cause", "ok", "error", "published_at"}).
			AddRow("m2", "g1", "massacre", "massacre", false, "timeout", since.Add(time.Minute)))

	recs, err := w.FailedSince(context.Background(), "g1", since, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m2", recs[0].MessageID)
	assert.Equal(t, "timeout", recs[0].Error)
	assert.False(t, recs[0].OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishLogWorkerFlushesOnShutdown(t *testing.T) {
	db, mock := setupMockDB(t)
	worker := persistence.NewPublishLogWorker(db, 16, 100, time.Hour, nil)

	mock.ExpectExec(`INSERT INTO massacre.publish_log`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	worker.Submit(
		persistence.PublishRecord{MessageID: "m1", GameID: "g1", OK: true, PublishedAt: time.Now()},
		persistence.PublishRecord{MessageID: "m2", GameID: "g1", OK: true, PublishedAt: time.Now()},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := worker.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
