package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PutContinuation persists a suspended workflow continuation.
func (s *Store) PutContinuation(ctx context.Context, cont *Continuation) error {
	if cont == nil {
		return fmt.Errorf("%w: nil continuation", ErrValidation)
	}
	if strings.TrimSpace(cont.Token) == "" {
		return fmt.Errorf("%w: continuation token required", ErrValidation)
	}
	if strings.TrimSpace(cont.Stage) == "" {
		return fmt.Errorf("%w: continuation stage required", ErrValidation)
	}
	contextJSON := "{}"
	if len(cont.Context) > 0 {
		encoded, err := json.Marshal(cont.Context)
		if err != nil {
			return fmt.Errorf("encode continuation context: %w", err)
		}
		contextJSON = string(encoded)
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO continuations (token, job_id, transaction_id, stage, context, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		cont.Token, cont.JobID, cont.TransactionID, cont.Stage, contextJSON, timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert continuation: %w", err)
	}
	return nil
}

// TakeContinuation atomically consumes a continuation token and returns the
// record. Tokens are single-use: a stale or already-consumed token returns
// ErrNotFound so duplicate resumption attempts fail safely.
func (s *Store) TakeContinuation(ctx context.Context, token string) (*Continuation, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE continuations SET consumed = 1 WHERE token = ? AND consumed = 0`,
		token,
	)
	if err != nil {
		return nil, fmt.Errorf("take continuation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: continuation %s", ErrNotFound, token)
	}

	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT token, job_id, transaction_id, stage, context, consumed, created_at
         FROM continuations WHERE token = ?`,
		token,
	)
	cont, err := scanContinuation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: continuation %s", ErrNotFound, token)
	}
	return cont, err
}

// ConsumeJobContinuations invalidates every live continuation for a job.
func (s *Store) ConsumeJobContinuations(ctx context.Context, jobID string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE continuations SET consumed = 1 WHERE job_id = ? AND consumed = 0`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("consume job continuations: %w", err)
	}
	return nil
}

func scanContinuation(row rowScanner) (*Continuation, error) {
	var cont Continuation
	var contextJSON, createdAt string
	var consumed int
	if err := row.Scan(
		&cont.Token, &cont.JobID, &cont.TransactionID, &cont.Stage,
		&contextJSON, &consumed, &createdAt,
	); err != nil {
		return nil, err
	}
	cont.Consumed = consumed != 0
	cont.Context = make(map[string]string)
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &cont.Context); err != nil {
			return nil, fmt.Errorf("decode continuation context: %w", err)
		}
	}
	cont.CreatedAt = parseTimestamp(createdAt)
	return &cont, nil
}
