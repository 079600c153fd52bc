package store

import (
	"context"
	"fmt"
	"time"
)

// AddDeadLetter quarantines a unit of work that exhausted its retries.
func (s *Store) AddDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("%w: nil dead letter", ErrValidation)
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO dead_letters (kind, job_id, transaction_id, capability, detail, attempts, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.Kind, dl.JobID, dl.TransactionID, dl.Capability, dl.Detail, dl.Attempts, timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns quarantined work, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, job_id, transaction_id, capability, detail, attempts, created_at
         FROM dead_letters ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var createdAt string
		if err := rows.Scan(
			&dl.ID, &dl.Kind, &dl.JobID, &dl.TransactionID, &dl.Capability,
			&dl.Detail, &dl.Attempts, &createdAt,
		); err != nil {
			return nil, err
		}
		dl.CreatedAt = parseTimestamp(createdAt)
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}
