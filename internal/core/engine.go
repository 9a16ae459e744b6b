package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/observability"
	"HalvingMassacre/internal/store"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the engine.
type Config struct {
	// TxTimeout bounds every store transaction.
	TxTimeout time.Duration

	// ReceiptCacheSize is the capacity of the answered-receipt LRU.
	ReceiptCacheSize int

	// BlockCacheSize is the number of recent block hashes kept for overdue
	// massacres.
	BlockCacheSize int

	ZapKeys event.ZapKeys
}

func DefaultConfig() Config {
	return Config{
		TxTimeout:        10 * time.Second,
		ReceiptCacheSize: 100_000,
		BlockCacheSize:   1024,
	}
}

// StateQueue receives the games and players whose snapshots must be
// re-published.
type StateQueue interface {
	Queue(gameID, modifier string)
	QueueProfile(gameID, walias, modifier string)
}

type nopQueue struct{}

func (nopQueue) Queue(string, string)                {}
func (nopQueue) QueueProfile(string, string, string) {}

// Engine advances games on block events, applies zap payments and runs
// organizer commands. It is safe for concurrent use: work on one game is
// serialised by GameLocks, different games run in parallel.
type Engine struct {
	store    store.Store
	fanout   *Fanout
	states   StateQueue
	locks    *GameLocks
	receipts *ReceiptChecker
	heights  *HeightTracker
	cfg      Config
	metrics  *observability.Metrics
	log      zerolog.Logger

	newID func() string
	now   func() time.Time
}

func NewEngine(
	st store.Store,
	fanout *Fanout,
	states StateQueue,
	cfg Config,
	metrics *observability.Metrics,
) (*Engine, error) {
	def := DefaultConfig()
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	if cfg.ReceiptCacheSize <= 0 {
		cfg.ReceiptCacheSize = def.ReceiptCacheSize
	}
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = def.BlockCacheSize
	}
	if states == nil {
		states = nopQueue{}
	}

	receipts, err := NewReceiptChecker(cfg.ReceiptCacheSize, st)
	if err != nil {
		return nil, err
	}
	heights, err := NewHeightTracker(cfg.BlockCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    st,
		fanout:   fanout,
		states:   states,
		locks:    NewGameLocks(),
		receipts: receipts,
		heights:  heights,
		cfg:      cfg,
		metrics:  metrics,
		log:      observability.NewLogger("engine"),
		newID:    uuid.NewString,
		now:      time.Now,
	}, nil
}

// Heights exposes the block tracker.
func (e *Engine) Heights() *HeightTracker {
	return e.heights
}

// Locks exposes the per-game lock table.
func (e *Engine) Locks() *GameLocks {
	return e.locks
}

// inTx runs fn in a store transaction bounded by TxTimeout.
func (e *Engine) inTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	start := time.Now()
	err := e.store.InTx(ctx, fn)
	if e.metrics != nil {
		e.metrics.TxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

// withTimeout bounds a read outside a transaction.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.TxTimeout)
}
