package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const handleColumns = `provider_op_id, job_id, transaction_id, capability, mode,
    payload_ref, continuation_token, attempt, issued_at, deadline, consumed, consumed_at`

// PutHandle records a new provider operation handle. Any live handle for the
// same (transaction, capability) pair is consumed first so a re-dispatch can
// never leave two handles racing to resume the same workflow.
func (s *Store) PutHandle(ctx context.Context, handle *OperationHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil handle", ErrValidation)
	}
	if strings.TrimSpace(handle.ProviderOpID) == "" {
		return fmt.Errorf("%w: provider operation id required", ErrValidation)
	}
	if strings.TrimSpace(handle.ContinuationToken) == "" {
		return fmt.Errorf("%w: continuation token required", ErrValidation)
	}
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE operation_handles SET consumed = 1, consumed_at = ?
             WHERE transaction_id = ? AND capability = ? AND consumed = 0`,
			timestamp(now), handle.TransactionID, handle.Capability,
		); err != nil {
			return fmt.Errorf("supersede live handle: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO operation_handles (
                provider_op_id, job_id, transaction_id, capability, mode,
                payload_ref, continuation_token, attempt, issued_at, deadline
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			handle.ProviderOpID, handle.JobID, handle.TransactionID, handle.Capability,
			handle.Mode, handle.PayloadRef, handle.ContinuationToken, handle.Attempt,
			timestamp(handle.IssuedAt), timestamp(handle.Deadline),
		); err != nil {
			return fmt.Errorf("insert handle: %w", err)
		}
		return nil
	})
}

// GetHandle fetches a handle by provider operation id, consumed or not.
func (s *Store) GetHandle(ctx context.Context, providerOpID string) (*OperationHandle, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+handleColumns+` FROM operation_handles WHERE provider_op_id = ?`,
		providerOpID,
	)
	handle, err := scanHandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: handle %s", ErrNotFound, providerOpID)
	}
	return handle, err
}

// ConsumeHandle atomically marks a live handle consumed and returns it. An
// unknown or already-consumed handle returns ErrNotFound; that branch is the
// idempotence primitive protecting against duplicate completion delivery.
func (s *Store) ConsumeHandle(ctx context.Context, providerOpID string) (*OperationHandle, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE operation_handles SET consumed = 1, consumed_at = ?
         WHERE provider_op_id = ? AND consumed = 0`,
		timestamp(time.Now()), providerOpID,
	)
	if err != nil {
		return nil, fmt.Errorf("consume handle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: live handle %s", ErrNotFound, providerOpID)
	}
	return s.GetHandle(ctx, providerOpID)
}

// LiveHandlesForJob returns all unconsumed handles for a job.
func (s *Store) LiveHandlesForJob(ctx context.Context, jobID string) ([]*OperationHandle, error) {
	return s.queryHandles(
		ctx,
		`SELECT `+handleColumns+` FROM operation_handles WHERE job_id = ? AND consumed = 0`,
		jobID,
	)
}

// LivePollHandles returns all unconsumed handles awaiting poll-mode completion.
func (s *Store) LivePollHandles(ctx context.Context) ([]*OperationHandle, error) {
	return s.queryHandles(
		ctx,
		`SELECT `+handleColumns+` FROM operation_handles WHERE mode = ? AND consumed = 0`,
		ModePoll,
	)
}

// ExpiredHandles returns unconsumed handles whose deadline has passed.
func (s *Store) ExpiredHandles(ctx context.Context, now time.Time) ([]*OperationHandle, error) {
	return s.queryHandles(
		ctx,
		`SELECT `+handleColumns+` FROM operation_handles WHERE consumed = 0 AND deadline < ?`,
		timestamp(now),
	)
}

// ConsumeJobHandles consumes every live handle for a job and returns the
// handles that were live. Used by cancellation so stale completions no-op.
func (s *Store) ConsumeJobHandles(ctx context.Context, jobID string) ([]*OperationHandle, error) {
	handles, err := s.LiveHandlesForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE operation_handles SET consumed = 1, consumed_at = ? WHERE job_id = ? AND consumed = 0`,
		timestamp(time.Now()), jobID,
	); err != nil {
		return nil, fmt.Errorf("consume job handles: %w", err)
	}
	return handles, nil
}

func (s *Store) queryHandles(ctx context.Context, query string, args ...any) ([]*OperationHandle, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query handles: %w", err)
	}
	defer rows.Close()

	var handles []*OperationHandle
	for rows.Next() {
		handle, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, rows.Err()
}

func scanHandle(row rowScanner) (*OperationHandle, error) {
	var handle OperationHandle
	var issuedAt, deadline string
	var consumed int
	var consumedAt sql.NullString
	if err := row.Scan(
		&handle.ProviderOpID, &handle.JobID, &handle.TransactionID, &handle.Capability,
		&handle.Mode, &handle.PayloadRef, &handle.ContinuationToken, &handle.Attempt,
		&issuedAt, &deadline, &consumed, &consumedAt,
	); err != nil {
		return nil, err
	}
	handle.IssuedAt = parseTimestamp(issuedAt)
	handle.Deadline = parseTimestamp(deadline)
	handle.Consumed = consumed != 0
	if consumedAt.Valid {
		parsed := parseTimestamp(consumedAt.String)
		handle.ConsumedAt = &parsed
	}
	return &handle, nil
}
