package core_test

import (
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"HalvingMassacre/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Test helpers ---

type recordingQueue struct {
	mu       sync.Mutex
	games    map[string]int
	profiles map[string]int
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{games: make(map[string]int), profiles: make(map[string]int)}
}

func (q *recordingQueue) Queue(gameID, _ string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.games[gameID]++
}

func (q *recordingQueue) QueueProfile(gameID, walias, _ string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.profiles[gameID+"/"+walias]++
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *core.Engine
	store  *store.Memory
	outbox *testutil.Outbox
	queue  *recordingQueue
	zaps   testutil.ZapSigners
	nonce  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith builds the engine over wrap(memory) so tests can inject
// store failures. State assertions read the memory store directly.
func newHarnessWith(t *testing.T, wrap func(store.Store) store.Store) *harness {
	t.Helper()
	zaps := testutil.NewZapSigners(t)
	st := store.NewMemory()
	var engineStore store.Store = st
	if wrap != nil {
		engineStore = wrap(st)
	}
	ob := testutil.NewOutbox()
	q := newRecordingQueue()
	fan := core.NewFanout(ob, zaps.Issuer, time.Second, nil, nil)
	eng, err := core.NewEngine(engineStore, fan, q, core.Config{ZapKeys: zaps.Keys()}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{t: t, ctx: context.Background(), engine: eng, store: st, outbox: ob, queue: q, zaps: zaps}
}

// twoRounds freezes at 105, massacres at 110 keeping 2, then freezes at 115
// and massacres at 120 keeping 1.
func twoRounds() []game.ScheduleEntry {
	next := int64(120)
	return []game.ScheduleEntry{
		{Height: 110, Survivors: 2, FreezeHeight: 105, NextMassacre: &next},
		{Height: 120, Survivors: 1, FreezeHeight: 115},
	}
}

func (h *harness) mustCreate(gameID string, finalBlock int64) {
	h.t.Helper()
	_, err := h.engine.CreateGame(h.ctx, &event.CreateGame{
		GameID:      gameID,
		TicketPrice: 1000,
		MinBet:      100,
		FinalBlock:  finalBlock,
		PoolPubKey:  h.zaps.Pool,
	})
	if err != nil {
		h.t.Fatalf("create game: %v", err)
	}
}

func (h *harness) mustStart(gameID string, schedule []game.ScheduleEntry) {
	h.t.Helper()
	if _, _, err := h.engine.StartGame(h.ctx, &event.StartGame{GameID: gameID, Schedule: schedule}); err != nil {
		h.t.Fatalf("start game: %v", err)
	}
}

func (h *harness) ticketZap(gameID, walias string) []byte {
	h.t.Helper()
	tk, err := h.engine.ReserveTicket(h.ctx, gameID, walias)
	if err != nil {
		h.t.Fatalf("reserve ticket %s: %v", walias, err)
	}
	h.nonce++
	return h.zaps.TicketZap(h.t, gameID, tk.ID, 1000, h.nonce)
}

func (h *harness) mustJoin(gameID string, wallets ...string) {
	h.t.Helper()
	for _, w := range wallets {
		if out, err := h.engine.HandleZap(h.ctx, h.ticketZap(gameID, w)); err != nil || out != core.ZapApplied {
			h.t.Fatalf("join %s: outcome %s, err %v", w, out, err)
		}
	}
}

func (h *harness) mustPower(gameID, walias string, amount int64) {
	h.t.Helper()
	h.nonce++
	raw := h.zaps.PowerZap(h.t, gameID, walias, "go", amount, h.nonce)
	if out, err := h.engine.HandleZap(h.ctx, raw); err != nil || out != core.ZapApplied {
		h.t.Fatalf("power %s: outcome %s, err %v", walias, out, err)
	}
}

func (h *harness) block(height int64) []core.Outcome {
	h.t.Helper()
	out, err := h.engine.HandleBlock(h.ctx, testutil.Block(height))
	if err != nil {
		h.t.Fatalf("block %d: %v", height, err)
	}
	return out
}

func (h *harness) state(gameID string) *game.State {
	h.t.Helper()
	st, err := h.store.GameState(h.ctx, gameID)
	if err != nil {
		h.t.Fatalf("state %s: %v", gameID, err)
	}
	return st
}

func powers(st *game.State) map[string]int64 {
	out := make(map[string]int64, len(st.Players))
	for _, p := range st.Players {
		out[p.Walias] = p.Power
	}
	return out
}

type massacreBody struct {
	Players     map[string]int64 `json:"players"`
	DeadPlayers map[string]int64 `json:"deadPlayers"`
	Delta       int64            `json:"delta"`
}

type freezeBody struct {
	CurrentBlock int64            `json:"currentBlock"`
	Players      map[string]int64 `json:"players"`
}

func decode(t *testing.T, m *event.Message, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(m.Content), v); err != nil {
		t.Fatalf("decode %s: %v", m.Label(), err)
	}
}

var errInjected = errors.New("injected store failure")

// flakyStore fails DueGames a number of times and UpdateGame of one game.
type flakyStore struct {
	store.Store

	mu            sync.Mutex
	dueFailures   int
	failUpdateFor string
}

func (s *flakyStore) DueGames(ctx context.Context, height int64) ([]store.Due, error) {
	s.mu.Lock()
	if s.dueFailures > 0 {
		s.dueFailures--
		s.mu.Unlock()
		return nil, errInjected
	}
	s.mu.Unlock()
	return s.Store.DueGames(ctx, height)
}

func (s *flakyStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	gameID := s.failUpdateFor
	s.mu.Unlock()
	if gameID == "" {
		return s.Store.InTx(ctx, fn)
	}
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx, gameID: gameID})
	})
}

func (s *flakyStore) set(f func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

type failingTx struct {
	store.Tx
	gameID string
}

func (tx failingTx) UpdateGame(g *game.Game) error {
	if g.ID == tx.gameID {
		return errInjected
	}
	return tx.Tx.UpdateGame(g)
}

var fourPlayers = []string{"alice@ln.tips", "bob@ln.tips", "carol@ln.tips", "dave@ln.tips"}

// playingGame returns a started game with four players of distinct power.
func playingGame(t *testing.T) *harness {
	return playingGameWith(t, nil)
}

func playingGameWith(t *testing.T, wrap func(store.Store) store.Store) *harness {
	h := newHarnessWith(t, wrap)
	h.mustCreate("g1", 120)
	h.mustJoin("g1", fourPlayers...)
	h.mustStart("g1", twoRounds())
	for i, w := range fourPlayers {
		h.mustPower("g1", w, int64(i+1)*1000)
	}
	return h
}

// ============================================================================
// Test: Payments
// ============================================================================

func TestTicketZapDeliveredTwice(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	raw := h.ticketZap("g1", "Alice@LN.tips")

	out, err := h.engine.HandleZap(h.ctx, raw)
	if err != nil || out != core.ZapApplied {
		t.Fatalf("first delivery: outcome %s, err %v", out, err)
	}
	out, err = h.engine.HandleZap(h.ctx, raw)
	if err != nil || out != core.ZapDuplicate {
		t.Fatalf("second delivery: outcome %s, err %v", out, err)
	}

	st := h.state("g1")
	if len(st.Players) != 1 {
		t.Fatalf("players: got %d, want 1", len(st.Players))
	}
	p := st.Players[0]
	if p.Walias != "alice@ln.tips" {
		t.Errorf("walias: got %s, want alice@ln.tips", p.Walias)
	}
	if p.Power != game.TicketGrant {
		t.Errorf("power: got %d, want %d", p.Power, game.TicketGrant)
	}
	if st.Game.CurrentPool != 1000 {
		t.Errorf("pool: got %d, want 1000", st.Game.CurrentPool)
	}
	if !st.RoundMembers[p.ID] {
		t.Error("player should be a member of the current round")
	}
	if n := len(h.outbox.Messages(event.LabelTicket)); n != 1 {
		t.Errorf("ticket messages: got %d, want 1", n)
	}
	if n := len(h.outbox.Messages(event.LabelPowerReceipt)); n != 1 {
		t.Errorf("first power receipts: got %d, want 1", n)
	}
}

func TestUnansweredReceiptIsRepublishedNotReapplied(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	raw := h.ticketZap("g1", "alice@ln.tips")

	h.outbox.SetFailing(true)
	if out, err := h.engine.HandleZap(h.ctx, raw); err != nil || out != core.ZapApplied {
		t.Fatalf("first delivery: outcome %s, err %v", out, err)
	}
	m, _ := event.DecodeReceipt(raw)
	rec, err := h.store.Receipt(h.ctx, m.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if rec.IsAnswered {
		t.Fatal("receipt must stay unanswered while publishing fails")
	}

	h.outbox.SetFailing(false)
	if out, err := h.engine.HandleZap(h.ctx, raw); err != nil || out != core.ZapReplayed {
		t.Fatalf("redelivery: outcome %s, err %v", out, err)
	}
	rec, _ = h.store.Receipt(h.ctx, m.ID)
	if !rec.IsAnswered {
		t.Error("receipt should be answered after a successful publish")
	}

	st := h.state("g1")
	if len(st.Players) != 1 || st.Players[0].Power != game.TicketGrant {
		t.Errorf("effect applied twice: %+v", st.Players)
	}
	if st.Game.CurrentPool != 1000 {
		t.Errorf("pool: got %d, want 1000", st.Game.CurrentPool)
	}

	if out, _ := h.engine.HandleZap(h.ctx, raw); out != core.ZapDuplicate {
		t.Errorf("third delivery: got %s, want %s", out, core.ZapDuplicate)
	}
}

func TestReplayUnanswered(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)

	h.outbox.SetFailing(true)
	h.mustJoin("g1", "alice@ln.tips", "bob@ln.tips")
	h.outbox.SetFailing(false)

	n, err := h.engine.ReplayUnanswered(h.ctx, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Errorf("answered: got %d, want 2", n)
	}
	recs, _ := h.store.UnansweredReceipts(h.ctx, 10)
	if len(recs) != 0 {
		t.Errorf("unanswered after replay: got %d, want 0", len(recs))
	}
	if n := len(h.outbox.Messages(event.LabelTicket)); n != 2 {
		t.Errorf("ticket messages: got %d, want 2", n)
	}
}

func TestPowerZap(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	h.mustJoin("g1", "alice@ln.tips")

	h.mustPower("g1", "ALICE@ln.tips", 5000)
	h.mustPower("g1", "alice@ln.tips", 2000)

	st := h.state("g1")
	p := st.Player("alice@ln.tips")
	if p.Power != game.TicketGrant+7000 {
		t.Errorf("power: got %d, want %d", p.Power, game.TicketGrant+7000)
	}
	if p.Zapped != 7000 || p.ZapCount != 2 || p.MaxZap != 5000 {
		t.Errorf("zap stats: got %d/%d/%d, want 7000/2/5000", p.Zapped, p.ZapCount, p.MaxZap)
	}
	if st.Game.CurrentPool != 8000 {
		t.Errorf("pool: got %d, want 8000", st.Game.CurrentPool)
	}

	receipts := h.outbox.Messages(event.LabelPowerReceipt)
	last := receipts[len(receipts)-1]
	if amount, _ := last.TagValue("amount"); amount != "2000" {
		t.Errorf("amount tag: got %s, want 2000", amount)
	}
	if h.queue.profiles["g1/alice@ln.tips"] == 0 {
		t.Error("profile should be queued")
	}
}

func TestPowerZapPreconditions(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	h.mustJoin("g1", "alice@ln.tips")

	tests := []struct {
		name   string
		walias string
		amount int64
		want   error
	}{
		{"below min bet", "alice@ln.tips", 99, game.ErrInsufficientPayment},
		{"unknown player", "mallory@ln.tips", 500, game.ErrPlayerNotAlive},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := h.zaps.PowerZap(t, "g1", tt.walias, "", tt.amount, int64(1000+i))
			out, err := h.engine.HandleZap(h.ctx, raw)
			if out != core.ZapRejected || !errors.Is(err, tt.want) {
				t.Fatalf("got %s/%v, want rejected/%v", out, err, tt.want)
			}
			m, _ := event.DecodeReceipt(raw)
			if _, err := h.store.Receipt(h.ctx, m.ID); !errors.Is(err, game.ErrNotFound) {
				t.Errorf("rejected receipt must not be recorded, got %v", err)
			}
		})
	}

	if st := h.state("g1"); st.Game.CurrentPool != 1000 {
		t.Errorf("pool: got %d, want 1000", st.Game.CurrentPool)
	}
}

func TestTicketZapPreconditions(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)

	tk, err := h.engine.ReserveTicket(h.ctx, "g1", "alice@ln.tips")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	raw := h.zaps.TicketZap(t, "g1", tk.ID, 999, 1)
	if _, err := h.engine.HandleZap(h.ctx, raw); !errors.Is(err, game.ErrInsufficientPayment) {
		t.Errorf("underpaid ticket: got %v, want %v", err, game.ErrInsufficientPayment)
	}

	if _, err := h.engine.HandleZap(h.ctx, h.zaps.TicketZap(t, "g1", tk.ID, 1000, 2)); err != nil {
		t.Fatalf("pay ticket: %v", err)
	}
	_, err = h.engine.HandleZap(h.ctx, h.zaps.TicketZap(t, "g1", tk.ID, 1000, 3))
	if !errors.Is(err, game.ErrTicketConsumed) {
		t.Errorf("second payment of a ticket: got %v, want %v", err, game.ErrTicketConsumed)
	}

	if _, err := h.engine.ReserveTicket(h.ctx, "g1", "alice@ln.tips"); !errors.Is(err, game.ErrAlreadyPlaying) {
		t.Errorf("reserve for a player: got %v, want %v", err, game.ErrAlreadyPlaying)
	}
	if _, err := h.engine.ReserveTicket(h.ctx, "g1", "not-a-walias"); !errors.Is(err, game.ErrInvalidWalias) {
		t.Errorf("bad walias: got %v, want %v", err, game.ErrInvalidWalias)
	}
}

func TestZapForeignIssuerRejected(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	tk, _ := h.engine.ReserveTicket(h.ctx, "g1", "alice@ln.tips")

	forged := h.zaps
	forged.Issuer = testutil.MustSigner(t, "44")
	raw := forged.TicketZap(t, "g1", tk.ID, 1000, 1)

	out, err := h.engine.HandleZap(h.ctx, raw)
	if out != core.ZapRejected || !errors.Is(err, event.ErrUnauthorized) {
		t.Fatalf("got %s/%v, want rejected/%v", out, err, event.ErrUnauthorized)
	}
	if st := h.state("g1"); len(st.Players) != 0 {
		t.Errorf("players: got %d, want 0", len(st.Players))
	}
}

func TestZapRewrappedUnderNewIDRejected(t *testing.T) {
	h := playingGame(t)
	h.nonce++
	raw := h.zaps.PowerZap(t, "g1", "alice@ln.tips", "go", 5000, h.nonce)
	if out, err := h.engine.HandleZap(h.ctx, raw); err != nil || out != core.ZapApplied {
		t.Fatalf("power: outcome %s, err %v", out, err)
	}
	before := h.state("g1")

	var receipt event.Message
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}

	// Same paid request, fresh id, stale signature.
	renamed := receipt
	renamed.ID = "forgeda"
	renamed.Sig = "00"
	// Same paid request in an envelope signed by someone else.
	resigned := receipt
	resigned.CreatedAt++
	if err := testutil.MustSigner(t, "55").Sign(&resigned); err != nil {
		t.Fatalf("sign: %v", err)
	}

	for name, m := range map[string]event.Message{"renamed": renamed, "resigned": resigned} {
		forged, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("%s: marshal: %v", name, err)
		}
		out, err := h.engine.HandleZap(h.ctx, forged)
		if out != core.ZapRejected || !errors.Is(err, event.ErrUnauthorized) {
			t.Errorf("%s: got %s/%v, want rejected/%v", name, out, err, event.ErrUnauthorized)
		}
	}

	after := h.state("g1")
	if got, want := powers(after)["alice@ln.tips"], powers(before)["alice@ln.tips"]; got != want {
		t.Errorf("alice power: got %d, want %d", got, want)
	}
	if after.Game.CurrentPool != before.Game.CurrentPool {
		t.Errorf("pool: got %d, want %d", after.Game.CurrentPool, before.Game.CurrentPool)
	}
}

func TestZapPaidToAnotherPoolRejected(t *testing.T) {
	h := newHarness(t)
	other := testutil.MustSigner(t, "66").PubKey()
	if _, err := h.engine.CreateGame(h.ctx, &event.CreateGame{
		GameID: "g2", TicketPrice: 1000, MinBet: 100, FinalBlock: 120, PoolPubKey: other,
	}); err != nil {
		t.Fatalf("create game: %v", err)
	}

	// The receipt pays the harness pool, not the pool of g2.
	raw := h.ticketZap("g2", "alice@ln.tips")
	out, err := h.engine.HandleZap(h.ctx, raw)
	if out != core.ZapRejected || !errors.Is(err, event.ErrUnauthorized) {
		t.Fatalf("got %s/%v, want rejected/%v", out, err, event.ErrUnauthorized)
	}
	st := h.state("g2")
	if len(st.Players) != 0 || st.Game.CurrentPool != 0 {
		t.Errorf("game changed: players=%d pool=%d", len(st.Players), st.Game.CurrentPool)
	}
}

// ============================================================================
// Test: Orchestrator
// ============================================================================

func TestFreezeThenMassacre(t *testing.T) {
	h := playingGame(t)
	before := powers(h.state("g1"))
	round1 := h.state("g1").CurrentRound

	if out := h.block(104); len(out) != 0 {
		t.Fatalf("block 104: got %d outcomes, want 0", len(out))
	}

	out := h.block(105)
	if len(out) != 1 || out[0].Kind != core.TransitionFreeze || out[0].Err != nil {
		t.Fatalf("block 105: got %+v", out)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusFreeze {
		t.Fatalf("status: got %s, want FREEZE", st.Game.Status)
	}

	// Entrants are locked during FREEZE.
	h.nonce++
	raw := h.zaps.PowerZap(t, "g1", "alice@ln.tips", "", 500, h.nonce)
	if _, err := h.engine.HandleZap(h.ctx, raw); !errors.Is(err, game.ErrNotAccepting) {
		t.Errorf("power during freeze: got %v, want %v", err, game.ErrNotAccepting)
	}

	out = h.block(110)
	if len(out) != 1 || out[0].Kind != core.TransitionMassacre || out[0].Err != nil {
		t.Fatalf("block 110: got %+v", out)
	}

	st := h.state("g1")
	if st.Game.Status != game.StatusNormal {
		t.Errorf("status: got %s, want NORMAL", st.Game.Status)
	}
	if st.CurrentRound.Number != 2 || st.CurrentRound.ID != round1.NextRoundID {
		t.Errorf("current round: got #%d %s, want #2 %s", st.CurrentRound.Number, st.CurrentRound.ID, round1.NextRoundID)
	}
	alive := st.Alive()
	if len(alive) != 2 {
		t.Fatalf("alive: got %d, want 2", len(alive))
	}
	dead := st.DiedIn(round1.ID)
	if len(dead) != 2 {
		t.Fatalf("dead: got %d, want 2", len(dead))
	}
	for _, p := range alive {
		if !st.RoundMembers[p.ID] {
			t.Errorf("survivor %s should enter round 2", p.Walias)
		}
	}

	massacres := h.outbox.Messages(event.LabelMassacre)
	if len(massacres) != 1 {
		t.Fatalf("massacre messages: got %d, want 1", len(massacres))
	}
	var body massacreBody
	decode(t, massacres[0], &body)

	var lost int64
	for _, p := range dead {
		lost += before[p.Walias]
		if p.Power != before[p.Walias] {
			t.Errorf("dead %s power changed: got %d, want %d", p.Walias, p.Power, before[p.Walias])
		}
	}
	if want := lost / 2; body.Delta != want {
		t.Errorf("delta: got %d, want %d", body.Delta, want)
	}
	for _, p := range alive {
		if p.Power != before[p.Walias]+body.Delta {
			t.Errorf("survivor %s power: got %d, want %d", p.Walias, p.Power, before[p.Walias]+body.Delta)
		}
		if body.Players[p.Walias] != p.Power {
			t.Errorf("massacre table %s: got %d, want %d", p.Walias, body.Players[p.Walias], p.Power)
		}
	}
	if hash, _ := massacres[0].TagValue("hash"); hash != testutil.BlockHash(110) {
		t.Errorf("hash tag: got %s, want %s", hash, testutil.BlockHash(110))
	}
	if r, _ := massacres[0].TagValue("t"); r != "round:2" {
		t.Errorf("round tag: got %s, want round:2", r)
	}

	var survivorReceipts int
	for _, m := range h.outbox.Messages(event.LabelPowerReceipt) {
		if ref := m.Tags[4]; ref[1] == massacres[0].ID && ref[3] == event.RefMassacre {
			survivorReceipts++
		}
	}
	if survivorReceipts != 2 {
		t.Errorf("survivor receipts: got %d, want 2", survivorReceipts)
	}
}

func TestFreezeBeforeReveal(t *testing.T) {
	h := playingGame(t)
	h.block(105)
	h.block(110)

	freezes := h.outbox.Messages(event.LabelFreeze)
	massacres := h.outbox.Messages(event.LabelMassacre)
	if len(freezes) != 1 || len(massacres) != 1 {
		t.Fatalf("freeze/massacre messages: got %d/%d, want 1/1", len(freezes), len(massacres))
	}
	var fb freezeBody
	decode(t, freezes[0], &fb)
	var mb massacreBody
	decode(t, massacres[0], &mb)

	if fb.CurrentBlock >= 110 {
		t.Errorf("freeze at %d must precede massacre block 110", fb.CurrentBlock)
	}
	if len(fb.Players) != len(mb.Players)+len(mb.DeadPlayers) {
		t.Errorf("entrants: froze %d, massacre saw %d", len(fb.Players), len(mb.Players)+len(mb.DeadPlayers))
	}
	for w, power := range mb.DeadPlayers {
		if fb.Players[w] != power {
			t.Errorf("%s: frozen with %d, eliminated with %d", w, fb.Players[w], power)
		}
	}
	for w := range mb.Players {
		if _, ok := fb.Players[w]; !ok {
			t.Errorf("survivor %s was not frozen", w)
		}
	}
}

func TestFinalMassacre(t *testing.T) {
	h := playingGame(t)
	for _, height := range []int64{105, 110, 115} {
		h.block(height)
	}
	round2 := h.state("g1").CurrentRound
	before := powers(h.state("g1"))

	out := h.block(120)
	if len(out) != 1 || out[0].Err != nil {
		t.Fatalf("block 120: got %+v", out)
	}

	st := h.state("g1")
	if st.Game.Status != game.StatusFinal {
		t.Fatalf("status: got %s, want FINAL", st.Game.Status)
	}
	if st.CurrentRound.ID != round2.ID {
		t.Errorf("final massacre must not create a round: got %s, want %s", st.CurrentRound.ID, round2.ID)
	}
	alive := st.Alive()
	if len(alive) != 1 {
		t.Fatalf("alive: got %d, want 1", len(alive))
	}
	champ := alive[0]
	if champ.Power < before[champ.Walias] {
		t.Errorf("champion power decreased: %d -> %d", before[champ.Walias], champ.Power)
	}

	var found bool
	for _, m := range h.outbox.Messages(event.LabelPowerReceipt) {
		var c struct {
			Message string `json:"message"`
		}
		decode(t, m, &c)
		if c.Message == event.ChampionMessage(champ.Walias) {
			found = true
		}
	}
	if !found {
		t.Error("champion receipt not published")
	}

	// Terminal games ignore further blocks.
	if out := h.block(130); len(out) != 0 {
		t.Errorf("block after FINAL: got %d outcomes, want 0", len(out))
	}
	if st := h.state("g1"); st.Game.CurrentBlock != 120 {
		t.Errorf("currentBlock after FINAL: got %d, want 120", st.Game.CurrentBlock)
	}
}

func TestPowerNeverDecreasesWhileAlive(t *testing.T) {
	h := playingGame(t)
	prev := powers(h.state("g1"))
	for _, height := range []int64{105, 110, 115, 120} {
		h.block(height)
		st := h.state("g1")
		for _, p := range st.Players {
			if p.Power < prev[p.Walias] {
				t.Errorf("block %d: %s power %d -> %d", height, p.Walias, prev[p.Walias], p.Power)
			}
			if p.Power < 0 {
				t.Errorf("block %d: %s has negative power", height, p.Walias)
			}
		}
		prev = powers(st)
	}
}

func TestStaleBlockIgnored(t *testing.T) {
	h := playingGame(t)
	if out := h.block(105); len(out) != 1 {
		t.Fatalf("block 105: got %d outcomes, want 1", len(out))
	}
	if out := h.block(105); out != nil {
		t.Errorf("repeated block: got %+v, want nil", out)
	}
	if out := h.block(103); out != nil {
		t.Errorf("older block: got %+v, want nil", out)
	}
	if n := len(h.outbox.Messages(event.LabelFreeze)); n != 1 {
		t.Errorf("freeze messages: got %d, want 1", n)
	}
}

func TestOverdueTransitions(t *testing.T) {
	h := playingGame(t)

	// Freeze window entered late.
	out := h.block(107)
	if len(out) != 1 || out[0].Kind != core.TransitionFreeze || out[0].Err != nil {
		t.Fatalf("block 107: got %+v", out)
	}

	// The massacre block was never seen: postponed, not failed.
	out = h.block(112)
	if len(out) != 1 || !out[0].Skipped || !errors.Is(out[0].Err, core.ErrSeedUnknown) {
		t.Fatalf("block 112: got %+v", out)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusFreeze {
		t.Fatalf("status: got %s, want FREEZE", st.Game.Status)
	}

	// A later notification carrying the missed block resolves it.
	blocks := append(testutil.Block(110), testutil.Block(113)...)
	out, err := h.engine.HandleBlock(h.ctx, blocks)
	if err != nil {
		t.Fatalf("block 113: %v", err)
	}
	if len(out) != 1 || out[0].Err != nil || out[0].Skipped {
		t.Fatalf("block 113: got %+v", out)
	}
	massacres := h.outbox.Messages(event.LabelMassacre)
	if len(massacres) != 1 {
		t.Fatalf("massacre messages: got %d, want 1", len(massacres))
	}
	if hash, _ := massacres[0].TagValue("hash"); hash != testutil.BlockHash(110) {
		t.Errorf("seeded by %s, want hash of block 110", hash)
	}
}

func TestPublishFailureKeepsTransition(t *testing.T) {
	h := playingGame(t)
	h.mustCreate("g2", 120)
	h.mustJoin("g2", "erin@ln.tips")
	h.mustStart("g2", twoRounds())

	h.outbox.FailLabel(event.LabelFreeze, true)
	out := h.block(105)
	if len(out) != 2 {
		t.Fatalf("outcomes: got %d, want 2", len(out))
	}
	for _, o := range out {
		if o.Err != nil {
			t.Errorf("%s: %v", o.GameID, o.Err)
		}
		if o.Report.OK() {
			t.Errorf("%s: report should carry the failed publish", o.GameID)
		}
		if st := h.state(o.GameID); st.Game.Status != game.StatusFreeze {
			t.Errorf("%s status: got %s, want FREEZE", o.GameID, st.Game.Status)
		}
	}
}

func TestBlockRetriedAfterStoreFailure(t *testing.T) {
	flaky := &flakyStore{}
	h := playingGameWith(t, func(st store.Store) store.Store {
		flaky.Store = st
		return flaky
	})

	h.block(104)
	flaky.set(func(s *flakyStore) { s.dueFailures = 1 })

	// 109 is the last block of the freeze window before the massacre at 110.
	if _, err := h.engine.HandleBlock(h.ctx, testutil.Block(109)); !errors.Is(err, errInjected) {
		t.Fatalf("block 109: got %v, want injected failure", err)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusInitial {
		t.Fatalf("status after failure: got %s, want INITIAL", st.Game.Status)
	}

	out := h.block(109)
	if len(out) != 1 || out[0].Kind != core.TransitionFreeze || out[0].Err != nil {
		t.Fatalf("redelivered block 109: got %+v", out)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusFreeze {
		t.Fatalf("status: got %s, want FREEZE", st.Game.Status)
	}

	out = h.block(110)
	if len(out) != 1 || out[0].Kind != core.TransitionMassacre || out[0].Err != nil {
		t.Fatalf("block 110: got %+v", out)
	}
	if n := len(h.outbox.Messages(event.LabelMassacre)); n != 1 {
		t.Errorf("massacre messages: got %d, want 1", n)
	}
}

func TestTransactionFailureIsolatedToOneGame(t *testing.T) {
	flaky := &flakyStore{}
	h := playingGameWith(t, func(st store.Store) store.Store {
		flaky.Store = st
		return flaky
	})
	h.mustCreate("g2", 120)
	h.mustJoin("g2", "erin@ln.tips", "frank@ln.tips")
	h.mustStart("g2", twoRounds())

	flaky.set(func(s *flakyStore) { s.failUpdateFor = "g1" })
	out := h.block(105)
	if len(out) != 2 {
		t.Fatalf("outcomes: got %d, want 2", len(out))
	}
	byGame := make(map[string]core.Outcome, len(out))
	for _, o := range out {
		byGame[o.GameID] = o
	}
	if o := byGame["g1"]; !errors.Is(o.Err, errInjected) || o.Skipped {
		t.Errorf("g1 outcome: got %+v, want injected failure", o)
	}
	if o := byGame["g2"]; o.Err != nil || o.Kind != core.TransitionFreeze {
		t.Errorf("g2 outcome: got %+v", o)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusInitial {
		t.Errorf("g1 status: got %s, want INITIAL", st.Game.Status)
	}
	if st := h.state("g2"); st.Game.Status != game.StatusFreeze {
		t.Errorf("g2 status: got %s, want FREEZE", st.Game.Status)
	}

	// g1 is still inside its freeze window and recovers on the next block.
	flaky.set(func(s *flakyStore) { s.failUpdateFor = "" })
	out = h.block(106)
	if len(out) != 1 || out[0].GameID != "g1" || out[0].Err != nil {
		t.Fatalf("block 106: got %+v", out)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusFreeze {
		t.Errorf("g1 status after retry: got %s, want FREEZE", st.Game.Status)
	}
}

func TestSingleSurvivorRoundKeepsEveryone(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	h.mustJoin("g1", "alice@ln.tips")
	h.mustStart("g1", twoRounds())

	h.block(105)
	h.block(110)

	st := h.state("g1")
	if len(st.Alive()) != 1 {
		t.Errorf("alive: got %d, want 1", len(st.Alive()))
	}
	if p := st.Player("alice@ln.tips"); p.Power != game.TicketGrant {
		t.Errorf("power with no losers: got %d, want %d", p.Power, game.TicketGrant)
	}
}

// ============================================================================
// Test: Organizer commands
// ============================================================================

func TestStartGameValidatesSchedule(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 130)

	_, _, err := h.engine.StartGame(h.ctx, &event.StartGame{GameID: "g1", Schedule: twoRounds()})
	if !errors.Is(err, game.ErrInvalidSchedule) {
		t.Fatalf("got %v, want %v", err, game.ErrInvalidSchedule)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusSetup {
		t.Errorf("status: got %s, want SETUP", st.Game.Status)
	}
}

func TestStartGameLinksRounds(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	h.mustStart("g1", twoRounds())

	st := h.state("g1")
	if st.Game.Status != game.StatusInitial {
		t.Fatalf("status: got %s, want INITIAL", st.Game.Status)
	}
	r := st.CurrentRound
	if r.Number != 1 || r.FreezeHeight != 105 || r.MassacreHeight != 110 || r.Survivors != 2 {
		t.Errorf("round 1: got %+v", r)
	}
	if r.NextRoundID == "" || r.IsFinal() {
		t.Error("round 1 should link to round 2")
	}
	if n := len(h.outbox.Messages(event.LabelStart)); n != 1 {
		t.Errorf("start messages: got %d, want 1", n)
	}

	if _, _, err := h.engine.StartGame(h.ctx, &event.StartGame{GameID: "g1", Schedule: twoRounds()}); !errors.Is(err, game.ErrInvalidTransition) {
		t.Errorf("second start: got %v, want %v", err, game.ErrInvalidTransition)
	}
}

func TestCloseGame(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)

	if _, _, err := h.engine.CloseGame(h.ctx, &event.CloseGame{GameID: "g1"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := h.state("g1"); st.Game.Status != game.StatusClosed {
		t.Errorf("status: got %s, want CLOSED", st.Game.Status)
	}
	if _, _, err := h.engine.CloseGame(h.ctx, &event.CloseGame{GameID: "g1"}); !errors.Is(err, game.ErrInvalidTransition) {
		t.Errorf("close twice: got %v, want %v", err, game.ErrInvalidTransition)
	}
	if _, err := h.engine.ReserveTicket(h.ctx, "g1", "alice@ln.tips"); !errors.Is(err, game.ErrNotAccepting) {
		t.Errorf("ticket in closed game: got %v, want %v", err, game.ErrNotAccepting)
	}
	if _, _, err := h.engine.CloseGame(h.ctx, &event.CloseGame{GameID: "nope"}); !errors.Is(err, game.ErrNotFound) {
		t.Errorf("unknown game: got %v, want %v", err, game.ErrNotFound)
	}
}

func TestCreateGameTwice(t *testing.T) {
	h := newHarness(t)
	h.mustCreate("g1", 120)
	_, err := h.engine.CreateGame(h.ctx, &event.CreateGame{
		GameID: "g1", TicketPrice: 1, MinBet: 1, FinalBlock: 1, PoolPubKey: "x",
	})
	if !errors.Is(err, game.ErrGameExists) {
		t.Errorf("got %v, want %v", err, game.ErrGameExists)
	}
}
