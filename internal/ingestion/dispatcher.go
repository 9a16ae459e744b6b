package ingestion

import (
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/observability"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Handler is the engine surface the dispatcher drives.
type Handler interface {
	HandleBlock(ctx context.Context, blocks []event.Block) ([]core.Outcome, error)
	HandleZap(ctx context.Context, raw []byte) (core.ZapOutcome, error)
	CreateGame(ctx context.Context, cmd *event.CreateGame) (*game.State, error)
	StartGame(ctx context.Context, cmd *event.StartGame) (*game.State, core.PublishReport, error)
	CloseGame(ctx context.Context, cmd *event.CloseGame) (*game.State, core.PublishReport, error)
}

var _ Handler = (*core.Engine)(nil)

// Dispatch results, also the "result" label of InboundMessages.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultRetry    = "retry"
	ResultUnknown  = "unknown"
)

// Dispatcher parses inbound messages and applies them to the engine.
// Invalid messages are acked and dropped; persistence failures are nak'ed
// so JetStream redelivers them.
type Dispatcher struct {
	handler  Handler
	prefixes map[string]string
	metrics  *observability.Metrics
	log      zerolog.Logger

	// blocks from NATS and the mempool feed are applied one at a time
	blockMu sync.Mutex
}

func NewDispatcher(h Handler, subjects []SubjectConfig, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		handler:  h,
		prefixes: SubjectTypes(subjects),
		metrics:  metrics,
		log:      observability.NewLogger("dispatcher"),
	}
}

// Run dispatches raw events until ctx ends or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, raw)
		}
	}
}

// Dispatch handles one raw event, acks or naks it and returns the result.
func (d *Dispatcher) Dispatch(ctx context.Context, raw RawEvent) string {
	eventType := ResolveEventType(raw.Subject, d.prefixes)
	if eventType == "" {
		d.log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		d.finish(raw, "none", ResultUnknown)
		return ResultUnknown
	}

	in, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse inbound message")
		d.finish(raw, eventType, ResultRejected)
		return ResultRejected
	}

	err = d.apply(ctx, in)
	result := ResultOK
	switch {
	case err == nil:
	case Rejected(err):
		d.log.Warn().Err(err).Str("type", eventType).Str("subject", raw.Subject).Msg("message rejected")
		result = ResultRejected
	default:
		d.log.Error().Err(err).Str("type", eventType).Str("subject", raw.Subject).Msg("message failed, will be redelivered")
		result = ResultRetry
	}
	d.finish(raw, eventType, result)
	return result
}

func (d *Dispatcher) apply(ctx context.Context, in *Inbound) error {
	switch in.Type {
	case TypeBlocks:
		return d.Blocks(ctx, in.Blocks)
	case TypeZap:
		outcome, err := d.handler.HandleZap(ctx, in.Zap)
		if err == nil {
			d.log.Debug().Str("outcome", string(outcome)).Msg("zap handled")
		}
		return err
	case TypeCreateGame:
		st, err := d.handler.CreateGame(ctx, in.Create)
		if err == nil {
			d.log.Info().Str("game_id", st.Game.ID).Msg("game created")
		}
		return err
	case TypeStartGame:
		_, report, err := d.handler.StartGame(ctx, in.Start)
		if err == nil && !report.OK() {
			d.log.Warn().Str("game_id", in.Start.GameID).Int("failed", report.Failed()).Msg("start message not published")
		}
		return err
	case TypeCloseGame:
		_, report, err := d.handler.CloseGame(ctx, in.Close)
		if err == nil && !report.OK() {
			d.log.Warn().Str("game_id", in.Close.GameID).Int("failed", report.Failed()).Msg("close message not published")
		}
		return err
	default:
		return event.ErrUnknownType
	}
}

// Blocks applies a block notification. It is also the mempool feed's sink.
func (d *Dispatcher) Blocks(ctx context.Context, blocks []event.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	d.blockMu.Lock()
	defer d.blockMu.Unlock()
	_, err := d.handler.HandleBlock(ctx, blocks)
	return err
}

func (d *Dispatcher) finish(raw RawEvent, eventType, result string) {
	if result == ResultRetry {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	} else if raw.AckFunc != nil {
		raw.AckFunc()
	}
	if d.metrics != nil {
		d.metrics.InboundMessages.WithLabelValues(eventType, result).Inc()
	}
}

// rejections are permanent: redelivering the message cannot change them.
var rejections = []error{
	event.ErrMalformed,
	event.ErrUnauthorized,
	event.ErrUnknownType,
	game.ErrNotFound,
	game.ErrInvalidTransition,
	game.ErrNotAccepting,
	game.ErrTicketConsumed,
	game.ErrAlreadyPlaying,
	game.ErrPlayerNotAlive,
	game.ErrInsufficientPayment,
	game.ErrInvalidSchedule,
	game.ErrInvalidWalias,
	game.ErrDuplicateReceipt,
	game.ErrGameExists,
}

// Rejected reports whether err is a validation or precondition failure.
func Rejected(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
