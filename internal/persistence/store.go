package persistence

import (
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const (
	gameColumns   = `id, status, current_block, current_pool, ticket_price, min_bet, current_round_id, final_block, pool_pub_key, created_at`
	roundColumns  = `id, game_id, number, massacre_height, freeze_height, survivors, next_round_id, prev_round_id`
	playerColumns = `id, game_id, walias, ticket_id, power, death_round_id, zapped, zap_count, max_zap`
	ticketColumns = `id, game_id, walias, player_id, created_at`
	receiptCols   = `id, game_id, kind, round_id, player_id, ticket_id, walias, message, amount, raw, is_answered, created_at`
)

// Postgres implements store.Store on database/sql with lib/pq.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ store.Store = (*Postgres)(nil)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *Postgres) InTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) GameState(ctx context.Context, gameID string) (*game.State, error) {
	states, err := loadStates(ctx, p.db, []string{gameID})
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("game %s: %w", gameID, game.ErrNotFound)
	}
	return states[0], nil
}

func (p *Postgres) GameStates(ctx context.Context, gameIDs []string) ([]*game.State, error) {
	if len(gameIDs) == 0 {
		return nil, nil
	}
	return loadStates(ctx, p.db, gameIDs)
}

func (p *Postgres) Ticket(ctx context.Context, ticketID string) (*game.Ticket, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM massacre.tickets WHERE id = $1`, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, game.ErrNotFound)
	}
	return t, err
}

func (p *Postgres) Receipt(ctx context.Context, id string) (*game.Receipt, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+receiptCols+` FROM massacre.receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, game.ErrNotFound)
	}
	return r, err
}

func (p *Postgres) MarkAnswered(ctx context.Context, receiptID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE massacre.receipts SET is_answered = TRUE WHERE id = $1`, receiptID)
	if err != nil {
		return fmt.Errorf("mark answered %s: %w", receiptID, err)
	}
	return expectRows(res, "receipt "+receiptID)
}

func (p *Postgres) UnansweredReceipts(ctx context.Context, limit int) ([]game.Receipt, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+receiptCols+` FROM massacre.receipts
		 WHERE NOT is_answered ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unanswered receipts: %w", err)
	}
	defer rows.Close()

	var out []game.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) AdvanceBlock(ctx context.Context, height int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE massacre.games SET current_block = $1
		 WHERE status NOT IN ('FINAL', 'CLOSED') AND current_block < $1`, height)
	if err != nil {
		return fmt.Errorf("advance block to %d: %w", height, err)
	}
	return nil
}

func (p *Postgres) DueGames(ctx context.Context, height int64) ([]store.Due, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT g.id, g.status,
		       r.id, r.game_id, r.number, r.massacre_height, r.freeze_height, r.survivors, r.next_round_id, r.prev_round_id
		FROM massacre.games g
		JOIN massacre.rounds r ON r.id = g.current_round_id
		WHERE (g.status IN ('INITIAL', 'NORMAL') AND r.freeze_height <= $1 AND $1 < r.massacre_height)
		   OR (g.status = 'FREEZE' AND r.massacre_height <= $1)
		ORDER BY g.id`, height)
	if err != nil {
		return nil, fmt.Errorf("query due games: %w", err)
	}
	defer rows.Close()

	var out []store.Due
	for rows.Next() {
		var (
			d          store.Due
			status     string
			next, prev sql.NullString
		)
		if err := rows.Scan(&d.GameID, &status,
			&d.Round.ID, &d.Round.GameID, &d.Round.Number, &d.Round.MassacreHeight,
			&d.Round.FreezeHeight, &d.Round.Survivors, &next, &prev,
		); err != nil {
			return nil, fmt.Errorf("scan due game: %w", err)
		}
		if d.Status, err = game.ParseStatus(status); err != nil {
			return nil, err
		}
		d.Round.NextRoundID, d.Round.PrevRoundID = next.String, prev.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// --- transaction ---

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) InsertGame(g *game.Game, first *game.Round) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO massacre.games (`+gameColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, string(g.Status), g.CurrentBlock, g.CurrentPool, g.TicketPrice, g.MinBet,
		g.CurrentRoundID, g.FinalBlock, g.PoolPubKey, g.CreatedAt,
	); isUniqueViolation(err) {
		return fmt.Errorf("game %s: %w", g.ID, game.ErrGameExists)
	} else if err != nil {
		return fmt.Errorf("insert game %s: %w", g.ID, err)
	}
	return t.SaveRounds([]game.Round{*first})
}

func (t *pgTx) LockGame(gameID string) (*game.Game, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+gameColumns+` FROM massacre.games WHERE id = $1 FOR UPDATE`, gameID)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", gameID, game.ErrNotFound)
	}
	return g, err
}

func (t *pgTx) UpdateGame(g *game.Game) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.games
		 SET status = $2, current_block = $3, current_pool = $4, current_round_id = $5
		 WHERE id = $1`,
		g.ID, string(g.Status), g.CurrentBlock, g.CurrentPool, g.CurrentRoundID)
	if err != nil {
		return fmt.Errorf("update game %s: %w", g.ID, err)
	}
	return expectRows(res, "game "+g.ID)
}

func (t *pgTx) Round(roundID string) (*game.Round, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+roundColumns+` FROM massacre.rounds WHERE id = $1`, roundID)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round %s: %w", roundID, game.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) SaveRounds(rounds []game.Round) error {
	if len(rounds) == 0 {
		return nil
	}
	const cols = 8
	values := make([]string, 0, len(rounds))
	args := make([]interface{}, 0, len(rounds)*cols)
	for i, r := range rounds {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, r.ID, r.GameID, r.Number, r.MassacreHeight, r.FreezeHeight,
			r.Survivors, nullString(r.NextRoundID), nullString(r.PrevRoundID))
	}
	query := `INSERT INTO massacre.rounds (` + roundColumns + `) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (id) DO UPDATE SET
			number = EXCLUDED.number,
			massacre_height = EXCLUDED.massacre_height,
			freeze_height = EXCLUDED.freeze_height,
			survivors = EXCLUDED.survivors,
			next_round_id = EXCLUDED.next_round_id,
			prev_round_id = EXCLUDED.prev_round_id`
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return fmt.Errorf("save %d rounds: %w", len(rounds), err)
	}
	return nil
}

func (t *pgTx) AlivePlayers(gameID string) ([]game.Player, error) {
	return queryPlayers(t.ctx, t.tx,
		`SELECT `+playerColumns+` FROM massacre.players
		 WHERE game_id = $1 AND death_round_id IS NULL
		 ORDER BY power DESC, walias FOR UPDATE`, gameID)
}

func (t *pgTx) PlayerByWalias(gameID, walias string) (*game.Player, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+playerColumns+` FROM massacre.players WHERE game_id = $1 AND walias = $2 FOR UPDATE`,
		gameID, walias)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("player %s: %w", walias, game.ErrNotFound)
	}
	return p, err
}

func (t *pgTx) InsertPlayer(p *game.Player) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO massacre.players (`+playerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.GameID, p.Walias, p.TicketID, p.Power, nullString(p.DeathRoundID),
		p.Zapped, p.ZapCount, p.MaxZap)
	if isUniqueViolation(err) {
		return fmt.Errorf("player %s: %w", p.Walias, game.ErrAlreadyPlaying)
	}
	if err != nil {
		return fmt.Errorf("insert player %s: %w", p.Walias, err)
	}
	return nil
}

func (t *pgTx) UpdatePlayer(p *game.Player) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.players
		 SET power = $2, zapped = $3, zap_count = $4, max_zap = $5
		 WHERE id = $1`,
		p.ID, p.Power, p.Zapped, p.ZapCount, p.MaxZap)
	if err != nil {
		return fmt.Errorf("update player %s: %w", p.ID, err)
	}
	return expectRows(res, "player "+p.ID)
}

func (t *pgTx) CreditPower(gameID string, playerIDs []string, delta int64) error {
	if len(playerIDs) == 0 || delta == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.players SET power = power + $1 WHERE game_id = $2 AND id = ANY($3)`,
		delta, gameID, pq.Array(playerIDs))
	if err != nil {
		return fmt.Errorf("credit %d players: %w", len(playerIDs), err)
	}
	return nil
}

func (t *pgTx) KillPlayers(gameID string, playerIDs []string, roundID string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.players SET death_round_id = $1
		 WHERE game_id = $2 AND id = ANY($3) AND death_round_id IS NULL`,
		roundID, gameID, pq.Array(playerIDs))
	if err != nil {
		return fmt.Errorf("kill %d players: %w", len(playerIDs), err)
	}
	return nil
}

func (t *pgTx) RoundPlayer(roundID, playerID string) (*game.RoundPlayer, error) {
	var rp game.RoundPlayer
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT round_id, player_id, zapped, zap_count, max_zap FROM massacre.round_players
		 WHERE round_id = $1 AND player_id = $2 FOR UPDATE`, roundID, playerID,
	).Scan(&rp.RoundID, &rp.PlayerID, &rp.Zapped, &rp.ZapCount, &rp.MaxZap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round player %s/%s: %w", roundID, playerID, game.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan round player: %w", err)
	}
	return &rp, nil
}

func (t *pgTx) InsertRoundPlayers(rps []game.RoundPlayer) error {
	if len(rps) == 0 {
		return nil
	}
	const cols = 5
	values := make([]string, 0, len(rps))
	args := make([]interface{}, 0, len(rps)*cols)
	for i, rp := range rps {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, rp.RoundID, rp.PlayerID, rp.Zapped, rp.ZapCount, rp.MaxZap)
	}
	query := `INSERT INTO massacre.round_players (round_id, player_id, zapped, zap_count, max_zap) VALUES ` +
		strings.Join(values, ", ")
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d round players: %w", len(rps), err)
	}
	return nil
}

func (t *pgTx) UpdateRoundPlayer(rp *game.RoundPlayer) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.round_players SET zapped = $3, zap_count = $4, max_zap = $5
		 WHERE round_id = $1 AND player_id = $2`,
		rp.RoundID, rp.PlayerID, rp.Zapped, rp.ZapCount, rp.MaxZap)
	if err != nil {
		return fmt.Errorf("update round player: %w", err)
	}
	return expectRows(res, "round player "+rp.RoundID+"/"+rp.PlayerID)
}

func (t *pgTx) UpsertTicket(tk *game.Ticket) (*game.Ticket, error) {
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO massacre.tickets (id, game_id, walias, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (game_id, walias) DO NOTHING`,
		tk.ID, tk.GameID, tk.Walias, tk.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("upsert ticket: %w", err)
	}
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+ticketColumns+` FROM massacre.tickets WHERE game_id = $1 AND walias = $2`,
		tk.GameID, tk.Walias)
	return scanTicket(row)
}

func (t *pgTx) LockTicket(ticketID string) (*game.Ticket, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+ticketColumns+` FROM massacre.tickets WHERE id = $1 FOR UPDATE`, ticketID)
	tk, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, game.ErrNotFound)
	}
	return tk, err
}

func (t *pgTx) BindTicket(ticketID, playerID string) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE massacre.tickets SET player_id = $2 WHERE id = $1 AND player_id IS NULL`,
		ticketID, playerID)
	if err != nil {
		return fmt.Errorf("bind ticket %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s: %w", ticketID, game.ErrTicketConsumed)
	}
	return nil
}

func (t *pgTx) InsertReceipt(r *game.Receipt) error {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO massacre.receipts (`+receiptCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.GameID, string(r.Kind), r.RoundID, r.PlayerID, nullString(r.TicketID),
		r.Walias, r.Message, r.Amount, r.Raw, r.IsAnswered, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert receipt %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("receipt %s: %w", r.ID, game.ErrDuplicateReceipt)
	}
	return nil
}

func (t *pgTx) State(gameID string) (*game.State, error) {
	states, err := loadStates(t.ctx, t.tx, []string{gameID})
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("game %s: %w", gameID, game.ErrNotFound)
	}
	return states[0], nil
}

// --- shared readers ---

func loadStates(ctx context.Context, q queryer, gameIDs []string) ([]*game.State, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.status, g.current_block, g.current_pool, g.ticket_price, g.min_bet,
		       g.current_round_id, g.final_block, g.pool_pub_key, g.created_at,
		       r.id, r.game_id, r.number, r.massacre_height, r.freeze_height, r.survivors, r.next_round_id, r.prev_round_id
		FROM massacre.games g
		JOIN massacre.rounds r ON r.id = g.current_round_id
		WHERE g.id = ANY($1)
		ORDER BY g.id`, pq.Array(gameIDs))
	if err != nil {
		return nil, fmt.Errorf("query games: %w", err)
	}

	var states []*game.State
	byID := make(map[string]*game.State, len(gameIDs))
	for rows.Next() {
		var (
			st         game.State
			status     string
			next, prev sql.NullString
		)
		g, r := &st.Game, &st.CurrentRound
		if err := rows.Scan(&g.ID, &status, &g.CurrentBlock, &g.CurrentPool, &g.TicketPrice, &g.MinBet,
			&g.CurrentRoundID, &g.FinalBlock, &g.PoolPubKey, &g.CreatedAt,
			&r.ID, &r.GameID, &r.Number, &r.MassacreHeight, &r.FreezeHeight, &r.Survivors, &next, &prev,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan game state: %w", err)
		}
		if g.Status, err = game.ParseStatus(status); err != nil {
			rows.Close()
			return nil, err
		}
		r.NextRoundID, r.PrevRoundID = next.String, prev.String
		st.RoundMembers = make(map[string]bool)
		states = append(states, &st)
		byID[g.ID] = &st
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(states) == 0 {
		return nil, nil
	}

	players, err := queryPlayers(ctx, q,
		`SELECT `+playerColumns+` FROM massacre.players
		 WHERE game_id = ANY($1) ORDER BY power DESC, walias`, pq.Array(gameIDs))
	if err != nil {
		return nil, err
	}
	for _, p := range players {
		if st := byID[p.GameID]; st != nil {
			st.Players = append(st.Players, p)
		}
	}

	mrows, err := q.QueryContext(ctx, `
		SELECT g.id, rp.player_id
		FROM massacre.games g
		JOIN massacre.round_players rp ON rp.round_id = g.current_round_id
		WHERE g.id = ANY($1)`, pq.Array(gameIDs))
	if err != nil {
		return nil, fmt.Errorf("query round members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var gameID, playerID string
		if err := mrows.Scan(&gameID, &playerID); err != nil {
			return nil, fmt.Errorf("scan round member: %w", err)
		}
		if st := byID[gameID]; st != nil {
			st.RoundMembers[playerID] = true
		}
	}
	return states, mrows.Err()
}

func queryPlayers(ctx context.Context, q queryer, query string, args ...interface{}) ([]game.Player, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	var out []game.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanGame(row rowScanner) (*game.Game, error) {
	var (
		g      game.Game
		status string
	)
	if err := row.Scan(&g.ID, &status, &g.CurrentBlock, &g.CurrentPool, &g.TicketPrice, &g.MinBet,
		&g.CurrentRoundID, &g.FinalBlock, &g.PoolPubKey, &g.CreatedAt); err != nil {
		return nil, err
	}
	st, err := game.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	g.Status = st
	return &g, nil
}

func scanRound(row rowScanner) (*game.Round, error) {
	var (
		r          game.Round
		next, prev sql.NullString
	)
	if err := row.Scan(&r.ID, &r.GameID, &r.Number, &r.MassacreHeight, &r.FreezeHeight,
		&r.Survivors, &next, &prev); err != nil {
		return nil, err
	}
	r.NextRoundID, r.PrevRoundID = next.String, prev.String
	return &r, nil
}

func scanPlayer(row rowScanner) (*game.Player, error) {
	var (
		p     game.Player
		death sql.NullString
	)
	if err := row.Scan(&p.ID, &p.GameID, &p.Walias, &p.TicketID, &p.Power, &death,
		&p.Zapped, &p.ZapCount, &p.MaxZap); err != nil {
		return nil, err
	}
	p.DeathRoundID = death.String
	return &p, nil
}

func scanTicket(row rowScanner) (*game.Ticket, error) {
	var (
		t      game.Ticket
		player sql.NullString
	)
	if err := row.Scan(&t.ID, &t.GameID, &t.Walias, &player, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.PlayerID = player.String
	return &t, nil
}

func scanReceipt(row rowScanner) (*game.Receipt, error) {
	var (
		r      game.Receipt
		kind   string
		ticket sql.NullString
	)
	if err := row.Scan(&r.ID, &r.GameID, &kind, &r.RoundID, &r.PlayerID, &ticket, &r.Walias,
		&r.Message, &r.Amount, &r.Raw, &r.IsAnswered, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = game.ReceiptKind(kind)
	r.TicketID = ticket.String
	return &r, nil
}

// --- helpers ---

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func expectRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, game.ErrNotFound)
	}
	return nil
}
