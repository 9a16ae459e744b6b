package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"errors"
	"fmt"
	"time"
)

// ZapOutcome classifies what HandleZap did with a receipt.
type ZapOutcome string

const (
	ZapApplied   ZapOutcome = "applied"
	ZapReplayed  ZapOutcome = "replayed"
	ZapDuplicate ZapOutcome = "duplicate"
	ZapRejected  ZapOutcome = "rejected"
)

// HandleZap processes one zap receipt. Its economic effect is applied at
// most once; its responses are published until one attempt succeeds.
//
// A rejected receipt returns the validation or precondition error, which
// the caller logs and drops. Persistence errors are returned with
// ZapRejected and nothing recorded, so a redelivery is safe.
func (e *Engine) HandleZap(ctx context.Context, raw []byte) (ZapOutcome, error) {
	start := time.Now()
	zapType := "unknown"
	outcome, err := e.handleZap(ctx, raw, &zapType)

	if e.metrics != nil {
		e.metrics.Payments.WithLabelValues(zapType, string(outcome)).Inc()
		e.metrics.PaymentDuration.Observe(time.Since(start).Seconds())
	}
	return outcome, err
}

func (e *Engine) handleZap(ctx context.Context, raw []byte, zapType *string) (ZapOutcome, error) {
	receipt, err := event.DecodeReceipt(raw)
	if err != nil {
		return ZapRejected, err
	}

	status, rec, tier, err := e.receipts.Check(ctx, receipt.ID)
	if err != nil {
		return ZapRejected, fmt.Errorf("receipt lookup %s: %w", receipt.ID, err)
	}
	switch status {
	case ReceiptAnswered:
		e.log.Debug().Str("receipt_id", receipt.ID).Str("tier", tier).Msg("receipt already answered")
		return ZapDuplicate, nil
	case ReceiptUnanswered:
		*zapType = string(rec.Kind)
		report, err := e.respond(ctx, rec, nil)
		if err != nil {
			return ZapReplayed, err
		}
		if report.OK() && e.metrics != nil {
			e.metrics.ReplayedAnswers.Inc()
		}
		return ZapReplayed, nil
	}

	zap, err := event.ParseZap(receipt, raw, e.cfg.ZapKeys)
	if err != nil {
		return ZapRejected, err
	}
	*zapType = string(zap.Type)

	unlock := e.locks.Lock(zap.GameID)
	var st *game.State
	err = e.inTx(ctx, "zap", func(tx store.Tx) error {
		g, err := tx.LockGame(zap.GameID)
		if err != nil {
			return err
		}
		if zap.PoolPubKey != g.PoolPubKey {
			return fmt.Errorf("%w: paid %s, game pool is %s", event.ErrUnauthorized, zap.PoolPubKey, g.PoolPubKey)
		}

		rec = &game.Receipt{
			ID:        zap.ReceiptID,
			GameID:    g.ID,
			RoundID:   g.CurrentRoundID,
			Amount:    zap.Amount,
			Message:   zap.Message,
			Raw:       zap.Raw,
			CreatedAt: e.now(),
		}
		switch zap.Type {
		case event.ZapTicket:
			err = e.applyTicket(tx, g, zap, rec)
		case event.ZapPower:
			err = e.applyPower(tx, g, zap, rec)
		default:
			err = fmt.Errorf("%w: %s", event.ErrUnknownType, zap.Type)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateGame(g); err != nil {
			return err
		}
		if err := tx.InsertReceipt(rec); err != nil {
			return err
		}
		st, err = tx.State(g.ID)
		return err
	})
	unlock()

	if errors.Is(err, game.ErrDuplicateReceipt) {
		return ZapDuplicate, nil
	}
	if err != nil {
		return ZapRejected, err
	}
	if e.metrics != nil {
		credited := zap.Amount
		if zap.Type == event.ZapTicket {
			credited = st.Game.TicketPrice
		}
		e.metrics.PoolCredited.WithLabelValues(string(zap.Type)).Add(float64(credited))
	}

	e.log.Info().
		Str("receipt_id", rec.ID).
		Str("game_id", rec.GameID).
		Str("type", string(rec.Kind)).
		Str("walias", rec.Walias).
		Int64("amount", rec.Amount).
		Msg("zap applied")

	if _, err := e.respond(ctx, rec, st); err != nil {
		return ZapApplied, err
	}
	return ZapApplied, nil
}

// applyTicket consumes a reserved ticket and creates its player in the
// current round.
func (e *Engine) applyTicket(tx store.Tx, g *game.Game, zap *event.Zap, rec *game.Receipt) error {
	if !g.Status.AcceptsTickets() {
		return fmt.Errorf("%w: ticket in %s", game.ErrNotAccepting, g.Status)
	}
	tk, err := tx.LockTicket(zap.TicketID)
	if err != nil {
		return err
	}
	if tk.GameID != g.ID {
		return fmt.Errorf("ticket %s in game %s: %w", tk.ID, g.ID, game.ErrNotFound)
	}
	if tk.Consumed() {
		return fmt.Errorf("ticket %s: %w", tk.ID, game.ErrTicketConsumed)
	}
	if zap.Amount < g.TicketPrice {
		return fmt.Errorf("%w: paid %d for ticket price %d", game.ErrInsufficientPayment, zap.Amount, g.TicketPrice)
	}

	p := &game.Player{
		ID:       e.newID(),
		GameID:   g.ID,
		Walias:   tk.Walias,
		TicketID: tk.ID,
		Power:    game.TicketGrant,
	}
	if err := tx.InsertPlayer(p); err != nil {
		return err
	}
	if err := tx.BindTicket(tk.ID, p.ID); err != nil {
		return err
	}
	if err := tx.InsertRoundPlayers([]game.RoundPlayer{{RoundID: g.CurrentRoundID, PlayerID: p.ID}}); err != nil {
		return err
	}
	g.CurrentPool += g.TicketPrice

	rec.Kind = game.ReceiptTicket
	rec.PlayerID = p.ID
	rec.TicketID = tk.ID
	rec.Walias = p.Walias
	return nil
}

// applyPower credits a paid amount to an alive player of the current round.
func (e *Engine) applyPower(tx store.Tx, g *game.Game, zap *event.Zap, rec *game.Receipt) error {
	if !g.Status.AcceptsPower() {
		return fmt.Errorf("%w: power in %s", game.ErrNotAccepting, g.Status)
	}
	if zap.Amount < g.MinBet {
		return fmt.Errorf("%w: paid %d below min bet %d", game.ErrInsufficientPayment, zap.Amount, g.MinBet)
	}
	p, err := tx.PlayerByWalias(g.ID, zap.Walias)
	if errors.Is(err, game.ErrNotFound) {
		return fmt.Errorf("%w: %s", game.ErrPlayerNotAlive, zap.Walias)
	}
	if err != nil {
		return err
	}
	if !p.Alive() {
		return fmt.Errorf("%w: %s", game.ErrPlayerNotAlive, p.Walias)
	}
	rp, err := tx.RoundPlayer(g.CurrentRoundID, p.ID)
	if errors.Is(err, game.ErrNotFound) {
		return fmt.Errorf("%w: %s not in round", game.ErrPlayerNotAlive, p.Walias)
	}
	if err != nil {
		return err
	}

	p.ApplyZap(zap.Amount)
	if err := tx.UpdatePlayer(p); err != nil {
		return err
	}
	rp.ApplyZap(zap.Amount)
	if err := tx.UpdateRoundPlayer(rp); err != nil {
		return err
	}
	g.CurrentPool += zap.Amount

	rec.Kind = game.ReceiptPower
	rec.PlayerID = p.ID
	rec.Walias = p.Walias
	return nil
}

// respond publishes the responses of an applied receipt and marks it
// answered when all of them went out. st may be nil, then current state is
// read. Replays re-derive the messages from current state.
func (e *Engine) respond(ctx context.Context, rec *game.Receipt, st *game.State) (PublishReport, error) {
	if st == nil {
		rctx, cancel := e.withTimeout(ctx)
		var err error
		st, err = e.store.GameState(rctx, rec.GameID)
		cancel()
		if err != nil {
			return PublishReport{}, fmt.Errorf("load game for receipt %s: %w", rec.ID, err)
		}
	}
	block := st.Game.CurrentBlock

	var msgs []*event.Message
	switch rec.Kind {
	case game.ReceiptTicket:
		t, err := e.fanout.Seal(event.Ticket(rec.GameID, block, rec.Walias, rec.ID))
		if err != nil {
			return PublishReport{}, err
		}
		p, err := e.fanout.Seal(event.PowerReceipt(rec.GameID, block, game.TicketGrant,
			rec.Walias, event.FirstPowerMessage, rec.ID, event.RefZapReceipt))
		if err != nil {
			return PublishReport{}, err
		}
		msgs = append(msgs, t, p)
	case game.ReceiptPower:
		p, err := e.fanout.Seal(event.PowerReceipt(rec.GameID, block, rec.Amount,
			rec.Walias, rec.Message, rec.ID, event.RefZapReceipt))
		if err != nil {
			return PublishReport{}, err
		}
		msgs = append(msgs, p)
	default:
		return PublishReport{}, fmt.Errorf("%w: receipt kind %q", event.ErrUnknownType, rec.Kind)
	}

	report := e.fanout.Publish(ctx, rec.GameID, "zap", msgs...)
	e.states.Queue(rec.GameID, rec.ID)
	e.states.QueueProfile(rec.GameID, rec.Walias, rec.ID)

	if !report.OK() {
		e.log.Warn().
			Str("receipt_id", rec.ID).
			Int("failed", report.Failed()).
			Msg("receipt left unanswered")
		return report, nil
	}
	if err := e.receipts.MarkAnswered(ctx, rec.ID); err != nil {
		return report, fmt.Errorf("mark answered %s: %w", rec.ID, err)
	}
	return report, nil
}

// ReplayUnanswered re-publishes the responses of up to limit unanswered
// receipts and returns how many became answered.
func (e *Engine) ReplayUnanswered(ctx context.Context, limit int) (int, error) {
	rctx, cancel := e.withTimeout(ctx)
	recs, err := e.store.UnansweredReceipts(rctx, limit)
	cancel()
	if err != nil {
		return 0, err
	}

	answered := 0
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return answered, err
		}
		report, err := e.respond(ctx, &recs[i], nil)
		if err != nil {
			e.log.Error().Err(err).Str("receipt_id", recs[i].ID).Msg("replay failed")
			continue
		}
		if report.OK() {
			answered++
			if e.metrics != nil {
				e.metrics.ReplayedAnswers.Inc()
			}
		}
	}
	e.log.Info().Int("unanswered", len(recs)).Int("answered", answered).Msg("replay finished")
	return answered, nil
}
