package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/lottery"
	"HalvingMassacre/internal/store"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// errNotDue means the game moved on since it was selected.
	errNotDue = errors.New("game no longer due")

	// ErrSeedUnknown means the hash of the massacre block was never seen.
	ErrSeedUnknown = errors.New("massacre block hash unknown")
)

// TransitionKind names an orchestrator step.
type TransitionKind string

const (
	TransitionFreeze   TransitionKind = "freeze"
	TransitionMassacre TransitionKind = "massacre"
)

// Outcome is the isolated result of one game's transition.
type Outcome struct {
	GameID  string
	Kind    TransitionKind
	Skipped bool
	Err     error
	Report  PublishReport
}

// HandleBlock processes a block notification. It moves every non-terminal
// game to the tip height and runs the freeze or massacre of each due game.
// A failing game never affects the others; their outcomes are all returned.
func (e *Engine) HandleBlock(ctx context.Context, blocks []event.Block) ([]Outcome, error) {
	if e.metrics != nil {
		e.metrics.BlocksReceived.Inc()
	}

	tip, ok := e.heights.Observe(blocks)
	if !ok {
		if e.metrics != nil {
			e.metrics.BlocksIgnored.Inc()
		}
		e.log.Debug().Int64("height", tip.Height).Msg("ignoring stale block")
		return nil, nil
	}

	rctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.AdvanceBlock(rctx, tip.Height); err != nil {
		return nil, fmt.Errorf("advance block %d: %w", tip.Height, err)
	}
	due, err := e.store.DueGames(rctx, tip.Height)
	if err != nil {
		return nil, fmt.Errorf("due games at %d: %w", tip.Height, err)
	}
	e.heights.Commit(tip.Height)
	if e.metrics != nil {
		e.metrics.BlockHeight.Set(float64(tip.Height))
		e.metrics.DueGames.Observe(float64(len(due)))
	}

	outcomes := make([]Outcome, len(due))
	var wg sync.WaitGroup
	for i, d := range due {
		wg.Add(1)
		go func(i int, d store.Due) {
			defer wg.Done()
			outcomes[i] = e.advance(ctx, d, tip.Height)
		}(i, d)
	}
	wg.Wait()

	e.log.Info().
		Int64("height", tip.Height).
		Str("hash", tip.ID).
		Int("due", len(due)).
		Msg("block processed")
	return outcomes, nil
}

func (e *Engine) advance(ctx context.Context, d store.Due, height int64) Outcome {
	unlock := e.locks.Lock(d.GameID)
	defer unlock()

	out := Outcome{GameID: d.GameID, Kind: TransitionMassacre}
	if d.Status.Freezable() {
		out.Kind = TransitionFreeze
	}

	start := time.Now()
	switch out.Kind {
	case TransitionFreeze:
		out.Report, out.Err = e.freeze(ctx, d.GameID, height)
	default:
		out.Report, out.Err = e.massacre(ctx, d, height)
	}

	result := "ok"
	switch {
	case errors.Is(out.Err, errNotDue):
		out.Skipped, out.Err, result = true, nil, "skipped"
	case errors.Is(out.Err, ErrSeedUnknown):
		out.Skipped, result = true, "skipped"
		e.log.Warn().Err(out.Err).Str("game_id", d.GameID).
			Int64("massacre_height", d.Round.MassacreHeight).Msg("massacre postponed")
	case out.Err != nil:
		result = "error"
		e.log.Error().Err(out.Err).Str("game_id", d.GameID).
			Str("kind", string(out.Kind)).Int64("height", height).
			Msg("transition failed, game needs attention")
	}
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(out.Kind), result).Inc()
		e.metrics.TransitionDuration.WithLabelValues(string(out.Kind)).Observe(time.Since(start).Seconds())
	}
	return out
}

// freeze commits the entrant set of the current round before the massacre
// block, and therefore the seed, exists.
func (e *Engine) freeze(ctx context.Context, gameID string, height int64) (PublishReport, error) {
	var st *game.State
	err := e.inTx(ctx, "freeze", func(tx store.Tx) error {
		g, err := tx.LockGame(gameID)
		if err != nil {
			return err
		}
		r, err := tx.Round(g.CurrentRoundID)
		if err != nil {
			return err
		}
		if !g.Status.Freezable() || !store.IsDue(g.Status, *r, height) {
			return errNotDue
		}
		if err := game.Transition(g.Status, game.StatusFreeze); err != nil {
			return err
		}
		g.Status = game.StatusFreeze
		if g.CurrentBlock < height {
			g.CurrentBlock = height
		}
		if err := tx.UpdateGame(g); err != nil {
			return err
		}
		st, err = tx.State(gameID)
		return err
	})
	if err != nil {
		return PublishReport{}, err
	}

	msg, err := e.fanout.Seal(event.Freeze(st))
	if err != nil {
		return PublishReport{}, fmt.Errorf("build freeze: %w", err)
	}
	report := e.fanout.Publish(ctx, gameID, string(TransitionFreeze), msg)
	e.states.Queue(gameID, msg.ID)

	e.log.Info().
		Str("game_id", gameID).
		Int("round", st.CurrentRound.Number).
		Int("alive", len(st.Alive())).
		Int64("height", height).
		Msg("game frozen")
	return report, nil
}

// massacre runs the lottery of the current round seeded by the hash of its
// massacre block and applies the result in one transaction.
func (e *Engine) massacre(ctx context.Context, d store.Due, height int64) (PublishReport, error) {
	hash, ok := e.heights.Hash(d.Round.MassacreHeight)
	if !ok {
		return PublishReport{}, fmt.Errorf("%w: height %d", ErrSeedUnknown, d.Round.MassacreHeight)
	}
	block := event.Block{ID: hash, Height: d.Round.MassacreHeight}
	seed, err := block.Seed()
	if err != nil {
		return PublishReport{}, err
	}

	var (
		st       *game.State
		round    game.Round
		result   lottery.Result
		winnerID []string
	)
	err = e.inTx(ctx, "massacre", func(tx store.Tx) error {
		g, err := tx.LockGame(d.GameID)
		if err != nil {
			return err
		}
		r, err := tx.Round(g.CurrentRoundID)
		if err != nil {
			return err
		}
		if g.Status != game.StatusFreeze || r.ID != d.Round.ID || r.MassacreHeight > height {
			return errNotDue
		}

		alive, err := tx.AlivePlayers(g.ID)
		if err != nil {
			return err
		}
		weights := make(map[string]int64, len(alive))
		for _, p := range alive {
			weights[p.ID] = p.Power
		}
		result = lottery.Halve(seed, weights, r.Survivors)

		winnerID = make([]string, 0, len(result.Winners))
		for id := range result.Winners {
			winnerID = append(winnerID, id)
		}
		sort.Strings(winnerID)

		if err := tx.CreditPower(g.ID, winnerID, result.Delta); err != nil {
			return err
		}
		if err := tx.KillPlayers(g.ID, result.Losers, r.ID); err != nil {
			return err
		}

		next := game.StatusNormal
		if r.IsFinal() {
			next = game.StatusFinal
		}
		if err := game.Transition(g.Status, next); err != nil {
			return err
		}
		if next == game.StatusNormal {
			rps := make([]game.RoundPlayer, len(winnerID))
			for i, id := range winnerID {
				rps[i] = game.RoundPlayer{RoundID: r.NextRoundID, PlayerID: id}
			}
			if err := tx.InsertRoundPlayers(rps); err != nil {
				return err
			}
			g.CurrentRoundID = r.NextRoundID
		}
		g.Status = next
		if g.CurrentBlock < height {
			g.CurrentBlock = height
		}
		if err := tx.UpdateGame(g); err != nil {
			return err
		}

		round = *r
		st, err = tx.State(g.ID)
		return err
	})
	if err != nil {
		return PublishReport{}, err
	}
	if e.metrics != nil {
		e.metrics.Eliminated.Add(float64(len(result.Losers)))
	}

	msgs, err := e.massacreMessages(st, round, block, result.Delta, winnerID)
	if err != nil {
		return PublishReport{}, err
	}
	report := e.fanout.Publish(ctx, d.GameID, string(TransitionMassacre), msgs...)

	massacreID := msgs[0].ID
	e.states.Queue(d.GameID, massacreID)
	for _, m := range msgs[1:] {
		if walias, ok := m.TagValue("i"); ok {
			e.states.QueueProfile(d.GameID, walias, m.ID)
		}
	}
	for _, p := range st.DiedIn(round.ID) {
		e.states.QueueProfile(d.GameID, p.Walias, massacreID)
	}

	e.log.Info().
		Str("game_id", d.GameID).
		Int("round", round.Number).
		Str("status", string(st.Game.Status)).
		Int("survivors", len(winnerID)).
		Int("eliminated", len(result.Losers)).
		Int64("delta", result.Delta).
		Msg("massacre applied")
	return report, nil
}

// massacreMessages builds the massacre result followed by one power receipt
// per survivor.
func (e *Engine) massacreMessages(st *game.State, round game.Round, block event.Block, delta int64, winnerIDs []string) ([]*event.Message, error) {
	m, err := e.fanout.Seal(event.Massacre(st, round, block, delta))
	if err != nil {
		return nil, fmt.Errorf("build massacre: %w", err)
	}
	msgs := []*event.Message{m}

	byID := make(map[string]game.Player, len(st.Players))
	for _, p := range st.Players {
		byID[p.ID] = p
	}
	for _, id := range winnerIDs {
		p, ok := byID[id]
		if !ok {
			continue
		}
		text := event.SurvivorMessage
		if round.IsFinal() {
			text = event.ChampionMessage(p.Walias)
		}
		r, err := e.fanout.Seal(event.PowerReceipt(st.Game.ID, block.Height, delta, p.Walias, text, m.ID, event.RefMassacre))
		if err != nil {
			return nil, fmt.Errorf("build power receipt: %w", err)
		}
		msgs = append(msgs, r)
	}
	return msgs, nil
}
