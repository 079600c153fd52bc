package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/textutil"
)

const jobColumns = `id, owner_id, label, status, capabilities, failure_policy,
    total_transactions, completed_transactions, failed_transactions,
    outstanding_ops, ttl_hours, error_message, created_at, updated_at`

// CreateJob inserts a new job plus one transaction per file reference. The job
// starts in JobCreated and holds until an explicit start request dispatches it.
func (s *Store) CreateJob(ctx context.Context, ownerID, label string, capabilities []Capability, fileRefs []string, failurePolicy string, ttlHours int) (*Job, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", ErrValidation)
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("%w: at least one capability required", ErrValidation)
	}
	if len(fileRefs) == 0 {
		return nil, fmt.Errorf("%w: at least one file reference required", ErrValidation)
	}
	seen := make(map[Capability]struct{}, len(capabilities))
	for _, capability := range capabilities {
		if _, ok := ParseCapability(string(capability)); !ok {
			return nil, fmt.Errorf("%w: unknown capability %q", ErrValidation, capability)
		}
		if capability == CapabilityArchive {
			return nil, fmt.Errorf("%w: capability %q is reserved for post-processing", ErrValidation, capability)
		}
		if _, dup := seen[capability]; dup {
			return nil, fmt.Errorf("%w: duplicate capability %q", ErrValidation, capability)
		}
		seen[capability] = struct{}{}
	}
	for _, ref := range fileRefs {
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("%w: empty file reference", ErrValidation)
		}
	}
	failurePolicy, ok := ParseFailurePolicy(failurePolicy)
	if !ok {
		return nil, fmt.Errorf("%w: failure policy must be %q or %q", ErrValidation, FailurePolicyPartial, FailurePolicyFailFast)
	}
	label = textutil.SanitizeLabel(label)
	if label == "" {
		label = textutil.LabelFromRef(fileRefs[0])
	}

	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	jobID := uuid.NewString()
	now := timestamp(time.Now())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO jobs (
                id, owner_id, label, status, capabilities, failure_policy,
                total_transactions, ttl_hours, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, ownerID, label, JobCreated, string(capsJSON), failurePolicy,
			len(fileRefs), ttlHours, now, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, ref := range fileRefs {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO transactions (id, job_id, status, source_ref, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), jobID, TxnPending, strings.TrimSpace(ref), now, now,
			); err != nil {
				return fmt.Errorf("insert transaction: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetJob(ctx, jobID)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, err
}

// ListJobsByStatus returns a page of jobs in creation order. An empty status
// matches every job; afterID is an exclusive cursor.
func (s *Store) ListJobsByStatus(ctx context.Context, status JobStatus, afterID string, limit int) ([]*Job, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, 4)
	clauses := make([]string, 0, 2)
	if status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, status)
	}
	if strings.TrimSpace(afterID) != "" {
		cursor, err := s.GetJob(ctx, afterID)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, `(created_at, id) > (?, ?)`)
		args = append(args, timestamp(cursor.CreatedAt), cursor.ID)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job to a new status only when its current status is
// one of the allowed origins. A lost race returns ErrConflict.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to JobStatus, from ...JobStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: transition requires origin statuses", ErrValidation)
	}
	placeholders := make([]string, len(from))
	args := []any{to, timestamp(time.Now()), jobID}
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, status)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not in expected status", ErrConflict, jobID)
	}
	return nil
}

// SetJobError records a job-level error message.
func (s *Store) SetJobError(ctx context.Context, jobID, message string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET error_message = ?, updated_at = ? WHERE id = ?`,
		message, timestamp(time.Now()), jobID,
	)
	return err
}

// ResetOutstanding sets the outstanding-operation counter for a job. Called
// when a dispatch fan-out begins.
func (s *Store) ResetOutstanding(ctx context.Context, jobID string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: outstanding count must not be negative", ErrValidation)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET outstanding_ops = ?, updated_at = ? WHERE id = ?`,
		count, timestamp(time.Now()), jobID,
	)
	if err != nil {
		return fmt.Errorf("reset outstanding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return nil
}

// DecrementOutstanding atomically decrements a job's outstanding-operation
// counter, never below zero. It returns the remaining count and whether this
// call performed the decrement; the caller observing remaining == 0 &&
// decremented is the single "last one out" for the fan-in.
func (s *Store) DecrementOutstanding(ctx context.Context, jobID string) (remaining int, decremented bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET outstanding_ops = outstanding_ops - 1, updated_at = ?
             WHERE id = ? AND outstanding_ops > 0`,
			timestamp(time.Now()), jobID,
		)
		if err != nil {
			return fmt.Errorf("decrement outstanding: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		decremented = affected > 0
		row := tx.QueryRowContext(ctx, `SELECT outstanding_ops FROM jobs WHERE id = ?`, jobID)
		if err := row.Scan(&remaining); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
			}
			return err
		}
		return nil
	})
	return remaining, decremented, err
}

// Health returns aggregated job counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("job health: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, err
		}
		summary.Total += count
		switch status {
		case JobCompleted:
			summary.Completed += count
		case JobFailed:
			summary.Failed += count
		case JobCancelled:
			summary.Cancelled += count
		case JobAwaitingReview:
			summary.Review += count
			summary.Active += count
		default:
			summary.Active += count
		}
	}
	return summary, rows.Err()
}

// DeleteJob removes a job and all associated state, including any suspended
// continuations and live handles, in one transaction.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		for _, stmt := range []string{
			`DELETE FROM transactions WHERE job_id = ?`,
			`DELETE FROM operation_handles WHERE job_id = ?`,
			`DELETE FROM continuations WHERE job_id = ?`,
			`DELETE FROM review_cases WHERE job_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, jobID); err != nil {
				return fmt.Errorf("delete job state: %w", err)
			}
		}
		return nil
	})
}

// PurgeExpiredJobs deletes terminal jobs whose TTL has elapsed and returns how
// many were removed.
func (s *Store) PurgeExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, ttl_hours, updated_at FROM jobs WHERE status IN (?, ?, ?) AND ttl_hours > 0`,
		JobCompleted, JobFailed, JobCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("scan expired jobs: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var ttlHours int
		var updatedAt string
		if err := rows.Scan(&id, &ttlHours, &updatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		if parseTimestamp(updatedAt).Add(time.Duration(ttlHours) * time.Hour).Before(now) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range expired {
		if err := s.DeleteJob(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}
	return purged, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var capsJSON, createdAt, updatedAt string
	if err := row.Scan(
		&job.ID, &job.OwnerID, &job.Label, &job.Status, &capsJSON, &job.FailurePolicy,
		&job.TotalTxns, &job.CompletedTxns, &job.FailedTxns,
		&job.Outstanding, &job.TTLHours, &job.ErrorMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &job.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	job.CreatedAt = parseTimestamp(createdAt)
	job.UpdatedAt = parseTimestamp(updatedAt)
	return &job, nil
}
