package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"bucketflow/internal/constants"
)

type PostgresSink struct {
	db          *sql.DB
	table       string
	insertQuery string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	if table == "" {
		table = constants.DefaultDeadLetterTable
	}
	return &PostgresSink{
		db:    db,
		table: table,
		insertQuery: fmt.Sprintf(`
			INSERT INTO %s (id, event_id, route, handler_id, attempts, last_error, reason, envelope, dead_lettered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, pq.QuoteIdentifier(table)),
	}
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	envelopeJSON, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.insertQuery,
		rec.ID,
		rec.EventID,
		rec.Route,
		rec.HandlerID,
		rec.Attempts,
		rec.LastError,
		string(rec.Reason),
		envelopeJSON,
		rec.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter record: %w", err)
	}
	return nil
}

// ListByEvent returns the dead-letter records of one event, oldest first.
func (s *PostgresSink) ListByEvent(ctx context.Context, eventID string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT id, event_id, route, handler_id, attempts, last_error, reason, envelope, dead_lettered_at
		FROM %s
		WHERE event_id = $1
		ORDER BY dead_lettered_at ASC
	`, pq.QuoteIdentifier(s.table))

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec          Record
			reason       string
			envelopeJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Route, &rec.HandlerID, &rec.Attempts,
			&rec.LastError, &reason, &envelopeJSON, &rec.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter record: %w", err)
		}
		rec.Reason = Reason(reason)
		if err := json.Unmarshal(envelopeJSON, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead-letter records: %w", err)
	}
	return records, nil
}

// Close leaves the shared pool open; its owner closes it.
func (s *PostgresSink) Close() error {
	return nil
}
