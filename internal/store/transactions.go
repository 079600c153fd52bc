package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const txnColumns = `id, job_id, status, seq, source_ref, results,
    needs_review, review_reason, error_message, created_at, updated_at`

// GetTransaction fetches a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = ?`, txnID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txnID)
	}
	return txn, err
}

// JobTransactions returns every transaction under a job in creation order.
func (s *Store) JobTransactions(ctx context.Context, jobID string) ([]*Transaction, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE job_id = ? ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// AnySeq disables the sequence guard on UpdateTransactionStatus; the
// forward-only rank check still applies.
const AnySeq = int64(-1)

// UpdateTransactionStatus moves a transaction to a new status under a
// compare-and-swap guard. expectedSeq must match the transaction's current
// sequence number (or be AnySeq); a stale sequence or a status regression
// returns ErrConflict. Terminal transitions maintain the owning job's
// aggregate counters in the same database transaction.
func (s *Store) UpdateTransactionStatus(ctx context.Context, txnID string, expectedSeq int64, newStatus TxnStatus, errDetail string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current TxnStatus
		var seq int64
		var jobID string
		row := tx.QueryRowContext(ctx, `SELECT status, seq, job_id FROM transactions WHERE id = ?`, txnID)
		if err := row.Scan(&current, &seq, &jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: transaction %s", ErrNotFound, txnID)
			}
			return err
		}
		if expectedSeq != AnySeq && seq != expectedSeq {
			return fmt.Errorf("%w: transaction %s at seq %d, expected %d", ErrConflict, txnID, seq, expectedSeq)
		}
		if !ValidTxnTransition(current, newStatus) {
			return fmt.Errorf("%w: transaction %s cannot move %s -> %s", ErrConflict, txnID, current, newStatus)
		}
		if current == newStatus {
			return nil
		}

		res, err := tx.ExecContext(
			ctx,
			`UPDATE transactions SET status = ?, seq = seq + 1, error_message = ?, updated_at = ?
             WHERE id = ? AND seq = ?`,
			newStatus, errDetail, timestamp(time.Now()), txnID, seq,
		)
		if err != nil {
			return fmt.Errorf("update transaction status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: transaction %s modified concurrently", ErrConflict, txnID)
		}

		if newStatus.IsTerminal() && !current.IsTerminal() {
			column := ""
			switch newStatus {
			case TxnCompleted:
				column = "completed_transactions"
			case TxnFailed:
				column = "failed_transactions"
			}
			if column != "" {
				if _, err := tx.ExecContext(
					ctx,
					`UPDATE jobs SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
					timestamp(time.Now()), jobID,
				); err != nil {
					return fmt.Errorf("update job counters: %w", err)
				}
			}
		}
		return nil
	})
}

// SetTransactionResult merges one capability's result reference into the
// transaction's result map. The merge is keyed, so repeating the same write is
// a no-op and result arrival order does not matter.
func (s *Store) SetTransactionResult(ctx context.Context, txnID string, capability Capability, ref string, confidence float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var resultsJSON string
		row := tx.QueryRowContext(ctx, `SELECT results FROM transactions WHERE id = ?`, txnID)
		if err := row.Scan(&resultsJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: transaction %s", ErrNotFound, txnID)
			}
			return err
		}
		results := make(map[Capability]ResultRef)
		if resultsJSON != "" {
			if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
				return fmt.Errorf("decode results: %w", err)
			}
		}
		if existing, ok := results[capability]; ok && existing.Ref == ref && existing.Confidence == confidence {
			return nil
		}
		results[capability] = ResultRef{Ref: ref, Confidence: confidence}
		encoded, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE transactions SET results = ?, seq = seq + 1, updated_at = ? WHERE id = ?`,
			string(encoded), timestamp(time.Now()), txnID,
		); err != nil {
			return fmt.Errorf("update transaction results: %w", err)
		}
		return nil
	})
}

// SetTransactionReview flags or clears the manual-review marker.
func (s *Store) SetTransactionReview(ctx context.Context, txnID string, needsReview bool, reason string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE transactions SET needs_review = ?, review_reason = ?, updated_at = ? WHERE id = ?`,
		boolToInt(needsReview), reason, timestamp(time.Now()), txnID,
	)
	if err != nil {
		return fmt.Errorf("set review flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, txnID)
	}
	return nil
}

// RetryTransaction resets a failed transaction to the retry-entry status.
// This is the only sanctioned status regression; aggregate failure counters
// are rolled back alongside it.
func (s *Store) RetryTransaction(ctx context.Context, txnID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current TxnStatus
		var jobID string
		row := tx.QueryRowContext(ctx, `SELECT status, job_id FROM transactions WHERE id = ?`, txnID)
		if err := row.Scan(&current, &jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: transaction %s", ErrNotFound, txnID)
			}
			return err
		}
		if current != TxnFailed {
			return fmt.Errorf("%w: transaction %s is %s, only failed transactions can be retried", ErrConflict, txnID, current)
		}
		now := timestamp(time.Now())
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE transactions SET status = ?, seq = seq + 1, error_message = '', updated_at = ? WHERE id = ?`,
			RetryEntryStatus, now, txnID,
		); err != nil {
			return fmt.Errorf("reset transaction: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET failed_transactions = failed_transactions - 1, updated_at = ?
             WHERE id = ? AND failed_transactions > 0`,
			now, jobID,
		); err != nil {
			return fmt.Errorf("roll back failure counter: %w", err)
		}
		return nil
	})
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var resultsJSON, createdAt, updatedAt string
	var needsReview int
	if err := row.Scan(
		&txn.ID, &txn.JobID, &txn.Status, &txn.Seq, &txn.SourceRef, &resultsJSON,
		&needsReview, &txn.ReviewReason, &txn.ErrorMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	txn.NeedsReview = needsReview != 0
	txn.Results = make(map[Capability]ResultRef)
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &txn.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	txn.CreatedAt = parseTimestamp(createdAt)
	txn.UpdatedAt = parseTimestamp(updatedAt)
	return &txn, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
