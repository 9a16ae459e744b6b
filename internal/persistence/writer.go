package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PublishRecord is one outbound publication attempt.
type PublishRecord struct {
	MessageID   string
	GameID      string
	Label       string
	Cause       string // what triggered the publication: freeze, massacre, zap, state...
	OK          bool
	Error       string
	PublishedAt time.Time
}

// PublishLogWriter writes publish records to massacre.publish_log using
// multi-row INSERT.
type PublishLogWriter struct {
	db *sql.DB
}

func NewPublishLogWriter(db *sql.DB) *PublishLogWriter {
	return &PublishLogWriter{db: db}
}

// WriteBatch writes records inside tx, or directly on the pool when tx is nil.
func (w *PublishLogWriter) WriteBatch(ctx context.Context, records []PublishRecord, tx *sql.Tx) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO massacre.publish_log
		(message_id, game_id, label, cause, ok, error, published_at)
		VALUES `

	const cols = 7
	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*cols)

	for i, r := range records {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.MessageID, r.GameID, r.Label, r.Cause, r.OK, nullString(r.Error), r.PublishedAt,
		)
	}

	query += strings.Join(values, ", ")

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("write %d publish records: %w", len(records), err)
	}
	return nil
}

// FailedSince returns the failed publications of a game newer than since,
// newest first.
func (w *PublishLogWriter) FailedSince(ctx context.Context, gameID string, since time.Time, limit int) ([]PublishRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT message_id, game_id, label, cause, ok, COALESCE(error, ''), published_at
		FROM massacre.publish_log
		WHERE game_id = $1 AND NOT ok AND published_at >= $2
		ORDER BY published_at DESC
		LIMIT $3`, gameID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed publications: %w", err)
	}
	defer rows.Close()

	var out []PublishRecord
	for rows.Next() {
		var r PublishRecord
		if err := rows.Scan(&r.MessageID, &r.GameID, &r.Label, &r.Cause, &r.OK, &r.Error, &r.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan publish record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
