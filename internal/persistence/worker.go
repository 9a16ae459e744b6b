package persistence

import (
	"HalvingMassacre/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PublishLogWorker batches publish records and writes them to Postgres off
// the hot path. Submit never blocks: when the queue is full the record is
// dropped and counted.
type PublishLogWorker struct {
	writer       *PublishLogWriter
	input        chan PublishRecord
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPublishLogWorker(
	db *sql.DB,
	queueSize int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PublishLogWorker {
	return &PublishLogWorker{
		writer:       NewPublishLogWriter(db),
		input:        make(chan PublishRecord, queueSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("publish-log"),
	}
}

// Submit queues records for the next flush.
func (pw *PublishLogWorker) Submit(records ...PublishRecord) {
	for _, r := range records {
		select {
		case pw.input <- r:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishLogDropped.Inc()
			}
		}
	}
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled.
func (pw *PublishLogWorker) Run(ctx context.Context) error {
	batch := make([]PublishRecord, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then flush once more.
			for {
				select {
				case r := <-pw.input:
					batch = append(batch, r)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case r := <-pw.input:
			batch = append(batch, r)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds,
// maxAttempts is reached or ctx is cancelled.
func (pw *PublishLogWorker) flushWithRetry(ctx context.Context, records []PublishRecord) error {
	backoff := 100 * time.Millisecond
	const (
		maxBackoff  = 10 * time.Second
		maxAttempts = 8
	)

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("records", len(records)).Msg("publish log retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), records)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err = pw.flush(ctx, records); err == nil {
			return nil
		}
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("publish_log_retry").Inc()
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, err)
}

func (pw *PublishLogWorker) flush(ctx context.Context, records []PublishRecord) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, records, nil); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("publish_log_write").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PublishLogFlushDur.Observe(time.Since(start).Seconds())
		pw.metrics.PublishLogBatch.Observe(float64(len(records)))
		pw.metrics.PublishLogWritten.Add(float64(len(records)))
	}
	return nil
}

// Writer returns the underlying writer for queries.
func (pw *PublishLogWorker) Writer() *PublishLogWriter {
	return pw.writer
}
