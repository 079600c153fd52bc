package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const reviewColumns = `id, job_id, transaction_id, capability, proposed_ref,
    confidence, decision, final_ref, continuation_token, created_at, decided_at`

// CreateReviewCase records a human review suspension point.
func (s *Store) CreateReviewCase(ctx context.Context, rc *ReviewCase) error {
	if rc == nil {
		return fmt.Errorf("%w: nil review case", ErrValidation)
	}
	if strings.TrimSpace(rc.ID) == "" {
		return fmt.Errorf("%w: review case id required", ErrValidation)
	}
	if strings.TrimSpace(rc.ContinuationToken) == "" {
		return fmt.Errorf("%w: continuation token required", ErrValidation)
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO review_cases (
            id, job_id, transaction_id, capability, proposed_ref, confidence,
            decision, continuation_token, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.JobID, rc.TransactionID, rc.Capability, rc.ProposedRef,
		rc.Confidence, DecisionPending, rc.ContinuationToken, timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert review case: %w", err)
	}
	return nil
}

// GetReviewCase fetches a review case by id.
func (s *Store) GetReviewCase(ctx context.Context, caseID string) (*ReviewCase, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_cases WHERE id = ?`, caseID)
	rc, err := scanReviewCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: review case %s", ErrNotFound, caseID)
	}
	return rc, err
}

// OpenReviewCases returns pending cases for a job.
func (s *Store) OpenReviewCases(ctx context.Context, jobID string) ([]*ReviewCase, error) {
	return s.queryReviewCases(
		ctx,
		`SELECT `+reviewColumns+` FROM review_cases WHERE job_id = ? AND decision = ? ORDER BY created_at, id`,
		jobID, DecisionPending,
	)
}

// ListReviewCases returns cases with the given decision across all jobs; an
// empty decision matches everything.
func (s *Store) ListReviewCases(ctx context.Context, decision ReviewDecision) ([]*ReviewCase, error) {
	if decision == "" {
		return s.queryReviewCases(ctx, `SELECT `+reviewColumns+` FROM review_cases ORDER BY created_at, id`)
	}
	return s.queryReviewCases(
		ctx,
		`SELECT `+reviewColumns+` FROM review_cases WHERE decision = ? ORDER BY created_at, id`,
		decision,
	)
}

// DecideReviewCase records a reviewer decision. Only pending cases accept a
// decision; re-deciding a resolved case returns ErrConflict because human
// decisions are final and auditable.
func (s *Store) DecideReviewCase(ctx context.Context, caseID string, decision ReviewDecision, finalRef string) (*ReviewCase, error) {
	switch decision {
	case DecisionApproved, DecisionRejected, DecisionEscalated:
	default:
		return nil, fmt.Errorf("%w: invalid decision %q", ErrValidation, decision)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE review_cases SET decision = ?, final_ref = ?, decided_at = ?
         WHERE id = ? AND decision = ?`,
		decision, finalRef, timestamp(time.Now()), caseID, DecisionPending,
	)
	if err != nil {
		return nil, fmt.Errorf("decide review case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetReviewCase(ctx, caseID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: review case %s already decided", ErrConflict, caseID)
	}
	return s.GetReviewCase(ctx, caseID)
}

func (s *Store) queryReviewCases(ctx context.Context, query string, args ...any) ([]*ReviewCase, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review cases: %w", err)
	}
	defer rows.Close()

	var cases []*ReviewCase
	for rows.Next() {
		rc, err := scanReviewCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, rc)
	}
	return cases, rows.Err()
}

func scanReviewCase(row rowScanner) (*ReviewCase, error) {
	var rc ReviewCase
	var createdAt string
	var decidedAt sql.NullString
	if err := row.Scan(
		&rc.ID, &rc.JobID, &rc.TransactionID, &rc.Capability, &rc.ProposedRef,
		&rc.Confidence, &rc.Decision, &rc.FinalRef, &rc.ContinuationToken,
		&createdAt, &decidedAt,
	); err != nil {
		return nil, err
	}
	rc.CreatedAt = parseTimestamp(createdAt)
	if decidedAt.Valid {
		parsed := parseTimestamp(decidedAt.String)
		rc.DecidedAt = &parsed
	}
	return &rc, nil
}
