package review

import (
	"context"
	"fmt"
	"log/slog"

	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/store"
	"conveyor/internal/workflow"
)

// Service applies reviewer decisions and resumes parked jobs.
type Service struct {
	store    *store.Store
	orch     *workflow.Orchestrator
	notifier notifications.Service
	logger   *slog.Logger
}

// NewService builds the review decision service.
func NewService(st *store.Store, orch *workflow.Orchestrator, notifier notifications.Service, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		orch:     orch,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "review"),
	}
}

// Decide records a reviewer decision on a pending case and resumes the
// suspended workflow. A rejection must carry the override result reference
// that replaces the provider's proposal.
func (s *Service) Decide(ctx context.Context, caseID string, decision store.ReviewDecision, overrideRef string) (*store.ReviewCase, error) {
	var finalRef string
	switch decision {
	case store.DecisionApproved, store.DecisionEscalated:
		if overrideRef != "" {
			return nil, fmt.Errorf("%w: override ref only valid when rejecting", store.ErrValidation)
		}
		existing, err := s.store.GetReviewCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		finalRef = existing.ProposedRef
	case store.DecisionRejected:
		if overrideRef == "" {
			return nil, fmt.Errorf("%w: rejection requires an override result ref", store.ErrValidation)
		}
		finalRef = overrideRef
	default:
		return nil, fmt.Errorf("%w: invalid decision %q", store.ErrValidation, decision)
	}

	rc, err := s.store.DecideReviewCase(ctx, caseID, decision, finalRef)
	if err != nil {
		return nil, err
	}

	// Approval and rejection settle the result at full confidence; escalation
	// carries the proposal forward at its original confidence and leaves the
	// transaction flagged for follow-up.
	confidence := 1.0
	clearFlag := true
	if decision == store.DecisionEscalated {
		confidence = rc.Confidence
		clearFlag = false
	}
	if err := s.store.SetTransactionResult(ctx, rc.TransactionID, rc.Capability, rc.FinalRef, confidence); err != nil {
		return nil, err
	}
	if clearFlag {
		if err := s.store.SetTransactionReview(ctx, rc.TransactionID, false, ""); err != nil {
			return nil, err
		}
	}

	s.logger.Info("review case decided",
		logging.String("case_id", rc.ID),
		logging.String(logging.FieldJobID, rc.JobID),
		logging.String(logging.FieldTxnID, rc.TransactionID),
		logging.String(logging.FieldCapability, string(rc.Capability)),
		logging.String("decision", string(decision)),
	)
	if decision == store.DecisionEscalated && s.notifier != nil {
		if err := s.notifier.NotifyReviewEscalated(ctx, rc); err != nil {
			s.logger.Warn("notification failed", logging.Error(err))
		}
	}

	if err := s.orch.Resume(ctx, rc.ContinuationToken, workflow.ResumeEvent{
		TransactionID: rc.TransactionID,
		Capability:    rc.Capability,
		ResultRef:     rc.FinalRef,
		Confidence:    confidence,
	}); err != nil {
		return nil, err
	}
	return rc, nil
}

// Open lists pending cases, optionally scoped to one job.
func (s *Service) Open(ctx context.Context, jobID string) ([]*store.ReviewCase, error) {
	if jobID != "" {
		return s.store.OpenReviewCases(ctx, jobID)
	}
	return s.store.ListReviewCases(ctx, store.DecisionPending)
}
