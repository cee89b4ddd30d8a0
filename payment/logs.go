package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendLogTx records one transaction log row inside the caller's transaction
func (s *Store) AppendLogTx(ctx context.Context, tx *sql.Tx, log *TransactionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_logs (intent_id, provider, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		log.IntentID, log.Provider, log.Kind, log.Detail, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction log: %w", err)
	}

	return nil
}

// AppendLog records one transaction log row in its own transaction
func (s *Store) AppendLog(ctx context.Context, log *TransactionLog) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AppendLogTx(ctx, tx, log)
	})
}

// HasLogTx reports whether an intent already carries a log entry of the given
// kind. Reconciliation uses it to stand down once a webhook has been
// processed for the same intent.
func (s *Store) HasLogTx(ctx context.Context, tx *sql.Tx, intentID, kind string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM transaction_logs WHERE intent_id = ? AND kind = ?`,
		intentID, kind).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction log: %w", err)
	}
	return count > 0, nil
}

// ListLogs returns the full audit trail of an intent, oldest first
func (s *Store) ListLogs(ctx context.Context, intentID string) ([]*TransactionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, provider, kind, detail, created_at
		FROM transaction_logs WHERE intent_id = ? ORDER BY id ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction logs: %w", err)
	}
	defer rows.Close()

	var logs []*TransactionLog
	for rows.Next() {
		var log TransactionLog
		if err := rows.Scan(&log.ID, &log.IntentID, &log.Provider, &log.Kind, &log.Detail, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction log: %w", err)
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

// GetOrCreateEventTx is the deduplication gate for webhook deliveries. The
// first delivery of (provider, eventID) inserts a row and returns
// created=true; every redelivery hits the unique constraint and returns the
// existing row with created=false.
func (s *Store) GetOrCreateEventTx(ctx context.Context, tx *sql.Tx, provider, eventID string) (*EventLogEntry, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_logs (provider, event_id, processed, received_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(provider, event_id) DO NOTHING`,
		provider, eventID, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert event log: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read event log insert result: %w", err)
	}

	entry, err := s.getEventTx(ctx, tx, provider, eventID)
	if err != nil {
		return nil, false, err
	}

	return entry, affected > 0, nil
}

func (s *Store) getEventTx(ctx context.Context, tx *sql.Tx, provider, eventID string) (*EventLogEntry, error) {
	var entry EventLogEntry
	var processed int
	var processedAt sql.NullTime

	err := tx.QueryRowContext(ctx, `
		SELECT id, provider, event_id, processed, received_at, processed_at
		FROM event_logs WHERE provider = ? AND event_id = ?`,
		provider, eventID).Scan(
		&entry.ID, &entry.Provider, &entry.EventID, &processed,
		&entry.ReceivedAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load event log: %w", err)
	}

	entry.Processed = processed != 0
	if processedAt.Valid {
		t := processedAt.Time
		entry.ProcessedAt = &t
	}

	return &entry, nil
}

// MarkEventProcessedTx flips the event row to processed. It is part of the
// same transaction as the status change it gates, so a crash before commit
// leaves the event unprocessed and a redelivery will run it again.
func (s *Store) MarkEventProcessedTx(ctx context.Context, tx *sql.Tx, provider, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE event_logs SET processed = 1, processed_at = ?
		WHERE provider = ? AND event_id = ?`,
		time.Now().UTC(), provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}
