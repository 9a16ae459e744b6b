package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	// --- Block feed ---
	BlocksReceived prometheus.Counter
	BlocksIgnored  prometheus.Counter
	BlockHeight    prometheus.Gauge
	DueGames       prometheus.Histogram

	// --- Orchestrator ---
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	Eliminated         prometheus.Counter

	// --- Payments ---
	Payments        *prometheus.CounterVec
	PaymentDuration prometheus.Histogram
	PoolCredited    *prometheus.CounterVec
	ReplayedAnswers prometheus.Counter

	// --- Publication ---
	Publishes     *prometheus.CounterVec
	DrainDuration prometheus.Histogram
	DirtyGames    prometheus.Gauge
	DrainSkipped  prometheus.Counter

	// --- Persistence ---
	TxDuration         *prometheus.HistogramVec
	PersistErrors      *prometheus.CounterVec
	PublishLogWritten  prometheus.Counter
	PublishLogBatch    prometheus.Histogram
	PublishLogDropped  prometheus.Counter
	PublishLogFlushDur prometheus.Histogram

	// --- Ingestion ---
	InboundMessages *prometheus.CounterVec
	FeedReconnects  *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	txBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		// Block feed
		BlocksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_blocks_received_total",
			Help: "Block notifications received",
		}),

		BlocksIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_blocks_ignored_total",
			Help: "Block notifications at or below the last processed height",
		}),

		BlockHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "massacre_block_height",
			Help: "Last processed block height",
		}),

		DueGames: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "massacre_due_games",
			Help:    "Games due for a transition per block",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		// Orchestrator
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_transitions_total",
			Help: "Game transitions attempted by the orchestrator",
		}, []string{"kind", "result"}),

		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "massacre_transition_duration_seconds",
			Help:    "Time to freeze or massacre one game",
			Buckets: txBuckets,
		}, []string{"kind"}),

		Eliminated: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_players_eliminated_total",
			Help: "Players eliminated by massacres",
		}),

		// Payments
		Payments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_payments_total",
			Help: "Zap receipts by outcome",
		}, []string{"type", "outcome"}),

		PaymentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "massacre_payment_duration_seconds",
			Help:    "Time to apply one zap receipt",
			Buckets: txBuckets,
		}),

		PoolCredited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_pool_credited_msats_total",
			Help: "Millisatoshis added to game pools",
		}, []string{"type"}),

		ReplayedAnswers: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_receipts_replayed_total",
			Help: "Unanswered receipts whose responses were re-published",
		}),

		// Publication
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_publishes_total",
			Help: "Outbound messages by label and result",
		}, []string{"label", "result"}),

		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "massacre_state_drain_duration_seconds",
			Help:    "Duration of one state publisher drain",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		DirtyGames: f.NewGauge(prometheus.GaugeOpts{
			Name: "massacre_state_dirty_games",
			Help: "Games waiting for a state snapshot",
		}),

		DrainSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_state_drain_skipped_total",
			Help: "Ticks skipped because a drain was still running",
		}),

		// Persistence
		TxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "massacre_tx_duration_seconds",
			Help:    "Store transaction duration",
			Buckets: txBuckets,
		}, []string{"op"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PublishLogWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_publish_log_written_total",
			Help: "Publish log rows written",
		}),

		PublishLogBatch: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "massacre_publish_log_batch_size",
			Help:    "Rows per publish log flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PublishLogDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "massacre_publish_log_dropped_total",
			Help: "Publish log rows dropped because the worker queue was full",
		}),

		PublishLogFlushDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "massacre_publish_log_flush_duration_seconds",
			Help:    "Publish log batch write duration",
			Buckets: txBuckets,
		}),

		// Ingestion
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_inbound_messages_total",
			Help: "Inbound messages by source and result",
		}, []string{"source", "result"}),

		FeedReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_feed_reconnects_total",
			Help: "Reconnections of external feeds",
		}, []string{"feed"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "massacre_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "massacre_query_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"route"}),
	}
}
