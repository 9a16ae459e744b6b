package store

import (
	"HalvingMassacre/internal/game"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Transactions are serialised and run on a
// copy of the data that replaces the committed data only when fn succeeds.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type rpKey struct {
	roundID  string
	playerID string
}

type memData struct {
	games        map[string]game.Game
	rounds       map[string]game.Round
	players      map[string]game.Player
	roundPlayers map[rpKey]game.RoundPlayer
	tickets      map[string]game.Ticket
	receipts     map[string]game.Receipt
}

func newMemData() *memData {
	return &memData{
		games:        make(map[string]game.Game),
		rounds:       make(map[string]game.Round),
		players:      make(map[string]game.Player),
		roundPlayers: make(map[rpKey]game.RoundPlayer),
		tickets:      make(map[string]game.Ticket),
		receipts:     make(map[string]game.Receipt),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.games {
		c.games[k] = v
	}
	for k, v := range d.rounds {
		c.rounds[k] = v
	}
	for k, v := range d.players {
		c.players[k] = v
	}
	for k, v := range d.roundPlayers {
		c.roundPlayers[k] = v
	}
	for k, v := range d.tickets {
		c.tickets[k] = v
	}
	for k, v := range d.receipts {
		c.receipts[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

var _ Store = (*Memory)(nil)

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.data = work
	return nil
}

func (m *Memory) GameState(_ context.Context, gameID string) (*game.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.state(gameID)
}

func (m *Memory) GameStates(_ context.Context, gameIDs []string) ([]*game.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*game.State, 0, len(gameIDs))
	for _, id := range gameIDs {
		st, err := m.data.state(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Memory) Ticket(_ context.Context, ticketID string) (*game.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, game.ErrNotFound)
	}
	return &t, nil
}

func (m *Memory) Receipt(_ context.Context, id string) (*game.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, game.ErrNotFound)
	}
	return &r, nil
}

func (m *Memory) MarkAnswered(_ context.Context, receiptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.receipts[receiptID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", receiptID, game.ErrNotFound)
	}
	r.IsAnswered = true
	m.data.receipts[receiptID] = r
	return nil
}

func (m *Memory) UnansweredReceipts(_ context.Context, limit int) ([]game.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []game.Receipt
	for _, r := range m.data.receipts {
		if !r.IsAnswered {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AdvanceBlock(_ context.Context, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.data.games {
		if !g.Status.Terminal() && g.CurrentBlock < height {
			g.CurrentBlock = height
			m.data.games[id] = g
		}
	}
	return nil
}

func (m *Memory) DueGames(_ context.Context, height int64) ([]Due, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Due
	for _, g := range m.data.games {
		r, ok := m.data.rounds[g.CurrentRoundID]
		if !ok {
			continue
		}
		if IsDue(g.Status, r, height) {
			out = append(out, Due{GameID: g.ID, Status: g.Status, Round: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// IsDue is the candidate predicate shared by every Store implementation.
func IsDue(status game.Status, r game.Round, height int64) bool {
	switch {
	case status.Freezable():
		return r.FreezeHeight <= height && height < r.MassacreHeight
	case status == game.StatusFreeze:
		return r.MassacreHeight <= height
	default:
		return false
	}
}

func (d *memData) state(gameID string) (*game.State, error) {
	g, ok := d.games[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, game.ErrNotFound)
	}
	st := &game.State{
		Game:         g,
		CurrentRound: d.rounds[g.CurrentRoundID],
		RoundMembers: make(map[string]bool),
	}
	for _, p := range d.players {
		if p.GameID == gameID {
			st.Players = append(st.Players, p)
		}
	}
	game.SortPlayers(st.Players)
	for k := range d.roundPlayers {
		if k.roundID == g.CurrentRoundID {
			st.RoundMembers[k.playerID] = true
		}
	}
	return st, nil
}

// memTx operates on a private copy of the data.
type memTx struct {
	d *memData
}

func (t *memTx) InsertGame(g *game.Game, first *game.Round) error {
	if _, ok := t.d.games[g.ID]; ok {
		return fmt.Errorf("game %s: %w", g.ID, game.ErrGameExists)
	}
	t.d.games[g.ID] = *g
	t.d.rounds[first.ID] = *first
	return nil
}

func (t *memTx) LockGame(gameID string) (*game.Game, error) {
	g, ok := t.d.games[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, game.ErrNotFound)
	}
	return &g, nil
}

func (t *memTx) UpdateGame(g *game.Game) error {
	if _, ok := t.d.games[g.ID]; !ok {
		return fmt.Errorf("game %s: %w", g.ID, game.ErrNotFound)
	}
	t.d.games[g.ID] = *g
	return nil
}

func (t *memTx) Round(roundID string) (*game.Round, error) {
	r, ok := t.d.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, game.ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) SaveRounds(rounds []game.Round) error {
	for _, r := range rounds {
		t.d.rounds[r.ID] = r
	}
	return nil
}

func (t *memTx) AlivePlayers(gameID string) ([]game.Player, error) {
	var out []game.Player
	for _, p := range t.d.players {
		if p.GameID == gameID && p.Alive() {
			out = append(out, p)
		}
	}
	game.SortPlayers(out)
	return out, nil
}

func (t *memTx) PlayerByWalias(gameID, walias string) (*game.Player, error) {
	for _, p := range t.d.players {
		if p.GameID == gameID && p.Walias == walias {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("player %s: %w", walias, game.ErrNotFound)
}

func (t *memTx) InsertPlayer(p *game.Player) error {
	if _, err := t.PlayerByWalias(p.GameID, p.Walias); err == nil {
		return fmt.Errorf("player %s: %w", p.Walias, game.ErrAlreadyPlaying)
	}
	t.d.players[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePlayer(p *game.Player) error {
	if _, ok := t.d.players[p.ID]; !ok {
		return fmt.Errorf("player %s: %w", p.ID, game.ErrNotFound)
	}
	t.d.players[p.ID] = *p
	return nil
}

func (t *memTx) CreditPower(gameID string, playerIDs []string, delta int64) error {
	for _, id := range playerIDs {
		p, ok := t.d.players[id]
		if !ok || p.GameID != gameID {
			return fmt.Errorf("player %s: %w", id, game.ErrNotFound)
		}
		p.Power += delta
		t.d.players[id] = p
	}
	return nil
}

func (t *memTx) KillPlayers(gameID string, playerIDs []string, roundID string) error {
	for _, id := range playerIDs {
		p, ok := t.d.players[id]
		if !ok || p.GameID != gameID {
			return fmt.Errorf("player %s: %w", id, game.ErrNotFound)
		}
		if p.Alive() {
			p.DeathRoundID = roundID
			t.d.players[id] = p
		}
	}
	return nil
}

func (t *memTx) RoundPlayer(roundID, playerID string) (*game.RoundPlayer, error) {
	rp, ok := t.d.roundPlayers[rpKey{roundID, playerID}]
	if !ok {
		return nil, fmt.Errorf("round player %s/%s: %w", roundID, playerID, game.ErrNotFound)
	}
	return &rp, nil
}

func (t *memTx) InsertRoundPlayers(rps []game.RoundPlayer) error {
	for _, rp := range rps {
		k := rpKey{rp.RoundID, rp.PlayerID}
		if _, ok := t.d.roundPlayers[k]; ok {
			return fmt.Errorf("round player %s/%s already exists", rp.RoundID, rp.PlayerID)
		}
		t.d.roundPlayers[k] = rp
	}
	return nil
}

func (t *memTx) UpdateRoundPlayer(rp *game.RoundPlayer) error {
	k := rpKey{rp.RoundID, rp.PlayerID}
	if _, ok := t.d.roundPlayers[k]; !ok {
		return fmt.Errorf("round player %s/%s: %w", rp.RoundID, rp.PlayerID, game.ErrNotFound)
	}
	t.d.roundPlayers[k] = *rp
	return nil
}

func (t *memTx) UpsertTicket(tk *game.Ticket) (*game.Ticket, error) {
	for _, existing := range t.d.tickets {
		if existing.GameID == tk.GameID && existing.Walias == tk.Walias {
			return &existing, nil
		}
	}
	t.d.tickets[tk.ID] = *tk
	out := *tk
	return &out, nil
}

func (t *memTx) LockTicket(ticketID string) (*game.Ticket, error) {
	tk, ok := t.d.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, game.ErrNotFound)
	}
	return &tk, nil
}

func (t *memTx) BindTicket(ticketID, playerID string) error {
	tk, ok := t.d.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, game.ErrNotFound)
	}
	if tk.Consumed() {
		return fmt.Errorf("ticket %s: %w", ticketID, game.ErrTicketConsumed)
	}
	tk.PlayerID = playerID
	t.d.tickets[ticketID] = tk
	return nil
}

func (t *memTx) InsertReceipt(r *game.Receipt) error {
	if _, ok := t.d.receipts[r.ID]; ok {
		return fmt.Errorf("receipt %s: %w", r.ID, game.ErrDuplicateReceipt)
	}
	t.d.receipts[r.ID] = *r
	return nil
}

func (t *memTx) State(gameID string) (*game.State, error) {
	return t.d.state(gameID)
}
