package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/provider"
	"conveyor/internal/retry"
	"conveyor/internal/store"
)

// Continuation stages name the orchestrator resume points.
const (
	StageAwaitProviders = "await_providers"
	StageAwaitReview    = "await_review"
	StagePostProcess    = "post_process"
)

// ResumeEvent carries the outcome that woke a suspended continuation.
type ResumeEvent struct {
	TransactionID string
	Capability    store.Capability
	ResultRef     string
	Confidence    float64
	Failed        bool
	ErrorDetail   string
}

// Orchestrator advances jobs through the processing state machine.
type Orchestrator struct {
	store         *store.Store
	gateway       *provider.Gateway
	notifier      notifications.Service
	policy        retry.Policy
	threshold     float64
	failurePolicy string
	logger        *slog.Logger
}

// NewOrchestrator constructs the orchestrator from application config.
func NewOrchestrator(cfg *config.Config, st *store.Store, gw *provider.Gateway, notifier notifications.Service, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:         st,
		gateway:       gw,
		notifier:      notifier,
		policy:        retry.FromConfig(cfg),
		threshold:     cfg.Review.ConfidenceThreshold,
		failurePolicy: cfg.Workflow.FailurePolicy,
		logger:        logging.NewComponentLogger(logger, "orchestrator"),
	}
}

var nonTerminalJobStatuses = []store.JobStatus{
	store.JobCreated,
	store.JobDispatched,
	store.JobAwaitingProviders,
	store.JobConsolidating,
	store.JobAwaitingReview,
	store.JobPostProcessing,
}

// Start dispatches every (transaction, capability) unit of a created job and
// suspends. Dispatch is fire-and-forget: once the fan-out is recorded the job
// sits in awaiting_providers until completion events drain the outstanding
// counter.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.store.TransitionJob(ctx, jobID, store.JobDispatched, store.JobCreated); err != nil {
		return err
	}
	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}

	return o.fanOut(ctx, job, txns)
}

// RetryFailed re-drives the failed transactions of a settled job, optionally
// restricted to an explicit subset. The job re-enters the dispatch pipeline;
// transactions that already succeeded are left untouched.
func (o *Orchestrator) RetryFailed(ctx context.Context, jobID string, txnIDs []string) (int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != store.JobFailed && job.Status != store.JobCompleted {
		return 0, fmt.Errorf("%w: job %s is %s, only failed or completed jobs can be retried", store.ErrConflict, jobID, job.Status)
	}

	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return 0, err
	}
	requested := make(map[string]bool, len(txnIDs))
	for _, id := range txnIDs {
		requested[id] = true
	}
	var retriable []*store.Transaction
	for _, txn := range txns {
		if txn.Status != store.TxnFailed {
			continue
		}
		if len(requested) > 0 && !requested[txn.ID] {
			continue
		}
		retriable = append(retriable, txn)
	}
	if len(retriable) == 0 {
		return 0, fmt.Errorf("%w: job %s has no matching failed transactions", store.ErrValidation, jobID)
	}

	if err := o.store.TransitionJob(ctx, jobID, store.JobDispatched, store.JobFailed, store.JobCompleted); err != nil {
		return 0, err
	}
	if err := o.store.SetJobError(ctx, jobID, ""); err != nil {
		return 0, err
	}
	for _, txn := range retriable {
		if err := o.store.RetryTransaction(ctx, txn.ID); err != nil {
			return 0, err
		}
	}
	return len(retriable), o.fanOut(ctx, job, retriable)
}

// fanOut dispatches every capability of every given transaction and suspends
// the job in awaiting_providers. The outstanding counter is charged for every
// planned unit before the first dispatch, so a completion arriving while the
// fan-out is still in flight can always decrement the unit its handle
// represents. Units whose dispatch fails are settled through the same fan-in
// path. The job must be in the dispatched state.
func (o *Orchestrator) fanOut(ctx context.Context, job *store.Job, txns []*store.Transaction) error {
	planned := len(txns) * len(job.Capabilities)
	if err := o.store.ResetOutstanding(ctx, job.ID, planned); err != nil {
		return err
	}
	if err := o.store.TransitionJob(ctx, job.ID, store.JobAwaitingProviders, store.JobDispatched); err != nil {
		return err
	}
	if planned == 0 {
		return o.consolidate(ctx, job.ID)
	}

	o.logger.Info("job dispatching",
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("transactions", len(txns)),
		logging.Int("outstanding", planned),
	)

	for _, txn := range txns {
		dispatched := 0
		var dispatchErr error
		for _, capability := range job.Capabilities {
			if err := o.dispatch(ctx, txn, capability, txn.SourceRef, StageAwaitProviders); err != nil {
				dispatchErr = err
				o.failDispatch(ctx, txn, capability, err)
				break
			}
			dispatched++
		}
		if dispatched > 0 {
			if err := o.store.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnProcessing, ""); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		if dispatchErr == nil {
			continue
		}
		if o.policyFor(job) == config.FailurePolicyFailFast {
			return o.failJob(ctx, job.ID, "transaction dispatch failed")
		}
		// Drain the charge for the units this transaction never dispatched.
		for i := dispatched; i < len(job.Capabilities); i++ {
			if err := o.fanIn(ctx, job.ID, o.consolidate); err != nil {
				return err
			}
		}
	}
	return nil
}

// policyFor resolves the failure policy for a job, falling back to the
// daemon-wide default when the job does not carry its own.
func (o *Orchestrator) policyFor(job *store.Job) string {
	if job.FailurePolicy != "" {
		return job.FailurePolicy
	}
	return o.failurePolicy
}

// Resume advances the state machine from a suspended continuation. A stale or
// already-consumed token is a logged no-op so duplicate deliveries from the
// completion router's redelivery path are harmless.
func (o *Orchestrator) Resume(ctx context.Context, token string, ev ResumeEvent) error {
	cont, err := o.store.TakeContinuation(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("stale continuation token ignored",
			logging.String("token", token),
			logging.String(logging.FieldTxnID, ev.TransactionID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	return o.CompleteUnit(ctx, cont.JobID, cont.Stage, ev)
}

// CompleteUnit advances a job after one suspended unit settled at the given
// stage. Resume reaches here after consuming a token; the completion router
// calls it directly when it invalidated the token itself.
func (o *Orchestrator) CompleteUnit(ctx context.Context, jobID, stage string, ev ResumeEvent) error {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("completion for deleted job ignored", logging.String(logging.FieldJobID, jobID))
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		o.logger.Debug("completion after terminal job state ignored",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("status", string(job.Status)),
		)
		return nil
	}

	switch stage {
	case StageAwaitProviders:
		if ev.Failed && o.policyFor(job) == config.FailurePolicyFailFast {
			return o.failJob(ctx, job.ID, ev.ErrorDetail)
		}
		return o.fanIn(ctx, job.ID, o.consolidate)
	case StageAwaitReview:
		open, err := o.store.OpenReviewCases(ctx, job.ID)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return nil
		}
		return o.afterReview(ctx, job.ID)
	case StagePostProcess:
		return o.fanIn(ctx, job.ID, o.finalize)
	default:
		o.logger.Warn("continuation with unknown stage ignored",
			logging.String(logging.FieldStage, stage),
			logging.String(logging.FieldJobID, job.ID),
		)
		return nil
	}
}

// Cancel marks a job cancelled, best-effort cancels live provider operations,
// and invalidates all suspended state so in-flight completions no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s already %s", store.ErrConflict, jobID, job.Status)
	}
	if err := o.store.TransitionJob(ctx, jobID, store.JobCancelled, nonTerminalJobStatuses...); err != nil {
		return err
	}

	handles, err := o.store.ConsumeJobHandles(ctx, jobID)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		if err := o.gateway.Cancel(ctx, handle); err != nil {
			o.logger.Debug("provider cancel failed",
				logging.String(logging.FieldOpID, handle.ProviderOpID),
				logging.Error(err),
			)
		}
	}
	if err := o.store.ConsumeJobContinuations(ctx, jobID); err != nil {
		return err
	}

	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	for _, txn := range txns {
		if txn.Status.IsTerminal() {
			continue
		}
		if err := o.store.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnCancelled, "job cancelled"); err != nil {
			o.logger.Warn("failed to cancel transaction", logging.String(logging.FieldTxnID, txn.ID), logging.Error(err))
		}
	}

	o.logger.Info("job cancelled", logging.String(logging.FieldJobID, jobID))
	o.notify(ctx, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return o.notifier.NotifyJobCancelled(ctx, job)
	})
	return nil
}

// Recover settles jobs a previous process left in a transient orchestrator
// state. Suspended jobs need nothing here: their handles and continuations are
// durable and the poller, callbacks, and watchdog pick them back up.
func (o *Orchestrator) Recover(ctx context.Context) error {
	dispatched, err := o.store.ListJobsByStatus(ctx, store.JobDispatched, "", recoverBatchSize)
	if err != nil {
		return err
	}
	for _, job := range dispatched {
		// The counter is charged and the job moves to awaiting_providers
		// before the first dispatch, so a job still in dispatched never
		// submitted anything: re-run the fan-out from scratch.
		txns, err := o.store.JobTransactions(ctx, job.ID)
		if err != nil {
			return err
		}
		var live []*store.Transaction
		for _, txn := range txns {
			if !txn.Status.IsTerminal() {
				live = append(live, txn)
			}
		}
		o.logger.Info("recovering interrupted dispatch", logging.String(logging.FieldJobID, job.ID))
		if err := o.fanOut(ctx, job, live); err != nil {
			return err
		}
	}

	// Suspended jobs resume through their durable handles; reconcile the
	// outstanding counter against them in case a crash landed between a
	// handle being consumed and the fan-in decrement.
	for _, status := range []store.JobStatus{store.JobAwaitingProviders, store.JobPostProcessing} {
		suspended, err := o.store.ListJobsByStatus(ctx, status, "", recoverBatchSize)
		if err != nil {
			return err
		}
		for _, job := range suspended {
			handles, err := o.store.LiveHandlesForJob(ctx, job.ID)
			if err != nil {
				return err
			}
			if len(handles) != job.Outstanding {
				if err := o.store.ResetOutstanding(ctx, job.ID, len(handles)); err != nil {
					return err
				}
				o.logger.Info("reconciled outstanding counter",
					logging.String(logging.FieldJobID, job.ID),
					logging.Int("outstanding", len(handles)),
				)
			}
			if len(handles) > 0 {
				continue
			}
			next := o.consolidate
			if status == store.JobPostProcessing {
				next = o.finalize
			}
			if err := next(ctx, job.ID); err != nil {
				return err
			}
		}
	}

	consolidating, err := o.store.ListJobsByStatus(ctx, store.JobConsolidating, "", recoverBatchSize)
	if err != nil {
		return err
	}
	for _, job := range consolidating {
		o.logger.Info("recovering interrupted consolidation", logging.String(logging.FieldJobID, job.ID))
		if err := o.consolidateClaimed(ctx, job.ID); err != nil {
			return err
		}
	}

	return nil
}

const recoverBatchSize = 500

// fanIn performs the atomic "last one out" check and runs next exactly once
// when the outstanding counter reaches zero.
func (o *Orchestrator) fanIn(ctx context.Context, jobID string, next func(context.Context, string) error) error {
	remaining, decremented, err := o.store.DecrementOutstanding(ctx, jobID)
	if err != nil {
		return err
	}
	if !decremented {
		o.logger.Warn("outstanding counter already drained, duplicate resume suspected",
			logging.String(logging.FieldJobID, jobID),
		)
		return nil
	}
	if remaining > 0 {
		return nil
	}
	return next(ctx, jobID)
}

// consolidate runs once all provider results for a job are in. Low-confidence
// results open review cases and park the job; otherwise post-processing
// begins. Consolidation only reads the keyed per-capability result map, so the
// arrival order of completions cannot change the outcome.
func (o *Orchestrator) consolidate(ctx context.Context, jobID string) error {
	if err := o.store.TransitionJob(ctx, jobID, store.JobConsolidating, store.JobAwaitingProviders); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.logger.Debug("consolidation already claimed", logging.String(logging.FieldJobID, jobID))
			return nil
		}
		return err
	}
	return o.consolidateClaimed(ctx, jobID)
}

// consolidateClaimed is the consolidation body, reentrant so crash recovery
// can re-run it for a job already in the consolidating state. Cases opened
// before an interruption are detected and not duplicated.
func (o *Orchestrator) consolidateClaimed(ctx context.Context, jobID string) error {
	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	existing, err := o.store.OpenReviewCases(ctx, jobID)
	if err != nil {
		return err
	}
	alreadyOpen := make(map[string]bool, len(existing))
	for _, rc := range existing {
		alreadyOpen[rc.TransactionID+"/"+string(rc.Capability)] = true
	}

	openedCases := len(existing)
	for _, txn := range txns {
		if txn.Status.IsTerminal() {
			continue
		}
		for capability, result := range txn.Results {
			if capability == store.CapabilityArchive || result.Confidence >= o.threshold {
				continue
			}
			if alreadyOpen[txn.ID+"/"+string(capability)] {
				continue
			}
			if err := o.openReviewCase(ctx, txn, capability, result); err != nil {
				return err
			}
			openedCases++
		}
	}

	if openedCases > 0 {
		o.logger.Info("job awaiting review",
			logging.String(logging.FieldJobID, jobID),
			logging.Int("open_cases", openedCases),
		)
		if err := o.store.TransitionJob(ctx, jobID, store.JobAwaitingReview, store.JobConsolidating); err != nil {
			return err
		}
		// A decision recorded while the cases were still being created found
		// the job in consolidating and could not advance it; re-check so the
		// job is never parked with nothing left to decide.
		open, err := o.store.OpenReviewCases(ctx, jobID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return o.afterReview(ctx, jobID)
		}
		return nil
	}
	return o.postProcess(ctx, jobID)
}

func (o *Orchestrator) openReviewCase(ctx context.Context, txn *store.Transaction, capability store.Capability, result store.ResultRef) error {
	token := uuid.NewString()
	cont := &store.Continuation{
		Token:         token,
		JobID:         txn.JobID,
		TransactionID: txn.ID,
		Stage:         StageAwaitReview,
		Context:       map[string]string{"capability": string(capability)},
	}
	if err := o.store.PutContinuation(ctx, cont); err != nil {
		return err
	}
	rc := &store.ReviewCase{
		ID:                uuid.NewString(),
		JobID:             txn.JobID,
		TransactionID:     txn.ID,
		Capability:        capability,
		ProposedRef:       result.Ref,
		Confidence:        result.Confidence,
		ContinuationToken: token,
	}
	if err := o.store.CreateReviewCase(ctx, rc); err != nil {
		return err
	}
	reason := fmt.Sprintf("%s confidence %.2f below threshold %.2f", capability, result.Confidence, o.threshold)
	if err := o.store.SetTransactionReview(ctx, txn.ID, true, reason); err != nil {
		return err
	}
	o.notify(ctx, func(ctx context.Context) error {
		return o.notifier.NotifyReviewRequested(ctx, rc)
	})
	return nil
}

func (o *Orchestrator) afterReview(ctx context.Context, jobID string) error {
	if err := o.store.TransitionJob(ctx, jobID, store.JobConsolidating, store.JobAwaitingReview); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return o.postProcess(ctx, jobID)
}

// postProcess hands consolidated outputs to the archive capability, reusing
// the same dispatch/await machinery as the provider fan-out. Deployments
// without an archive provider finalize directly.
func (o *Orchestrator) postProcess(ctx context.Context, jobID string) error {
	if err := o.store.TransitionJob(ctx, jobID, store.JobPostProcessing, store.JobConsolidating); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	var eligible []*store.Transaction
	if o.gateway.Supports(store.CapabilityArchive) {
		for _, txn := range txns {
			if !txn.Status.IsTerminal() {
				eligible = append(eligible, txn)
			}
		}
	}

	// Charge the counter before the first dispatch; see fanOut.
	if err := o.store.ResetOutstanding(ctx, jobID, len(eligible)); err != nil {
		return err
	}
	if len(eligible) == 0 {
		return o.finalize(ctx, jobID)
	}
	for _, txn := range eligible {
		if err := o.dispatch(ctx, txn, store.CapabilityArchive, txn.ID, StagePostProcess); err != nil {
			o.failDispatch(ctx, txn, store.CapabilityArchive, err)
			if err := o.fanIn(ctx, jobID, o.finalize); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize applies the failure policy and settles the job in a terminal state.
func (o *Orchestrator) finalize(ctx context.Context, jobID string) error {
	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	for _, txn := range txns {
		if txn.Status.IsTerminal() {
			continue
		}
		if err := o.store.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnCompleted, ""); err != nil {
			o.logger.Warn("failed to complete transaction", logging.String(logging.FieldTxnID, txn.ID), logging.Error(err))
		}
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	allFailed := job.TotalTxns > 0 && job.FailedTxns >= job.TotalTxns
	if allFailed || (o.policyFor(job) == config.FailurePolicyFailFast && job.FailedTxns > 0) {
		return o.failJob(ctx, jobID, fmt.Sprintf("%d of %d transactions failed", job.FailedTxns, job.TotalTxns))
	}

	if err := o.store.TransitionJob(ctx, jobID, store.JobCompleted, store.JobPostProcessing); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	o.logger.Info("job completed",
		logging.String(logging.FieldJobID, jobID),
		logging.Int("completed", job.CompletedTxns),
		logging.Int("failed", job.FailedTxns),
	)
	o.notify(ctx, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return o.notifier.NotifyJobCompleted(ctx, job)
	})
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, reason string) error {
	if err := o.store.TransitionJob(ctx, jobID, store.JobFailed, nonTerminalJobStatuses...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	if err := o.store.SetJobError(ctx, jobID, reason); err != nil {
		return err
	}

	handles, err := o.store.ConsumeJobHandles(ctx, jobID)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		if err := o.gateway.Cancel(ctx, handle); err != nil {
			o.logger.Debug("provider cancel failed",
				logging.String(logging.FieldOpID, handle.ProviderOpID),
				logging.Error(err),
			)
		}
	}
	if err := o.store.ConsumeJobContinuations(ctx, jobID); err != nil {
		return err
	}

	txns, err := o.store.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	for _, txn := range txns {
		if txn.Status.IsTerminal() {
			continue
		}
		if err := o.store.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnCancelled, "job failed"); err != nil {
			o.logger.Warn("failed to settle transaction", logging.String(logging.FieldTxnID, txn.ID), logging.Error(err))
		}
	}

	o.logger.Error("job failed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("reason", reason),
	)
	o.notify(ctx, func(ctx context.Context) error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return o.notifier.NotifyJobFailed(ctx, job, reason)
	})
	return nil
}

// dispatch submits one unit through the gateway under the bounded retry
// policy. Attempt numbering restarts at one; asynchronous failures re-enter
// through the router with the handle's attempt counter.
func (o *Orchestrator) dispatch(ctx context.Context, txn *store.Transaction, capability store.Capability, payloadRef, stage string) error {
	label := fmt.Sprintf("dispatch %s", capability)
	return o.policy.Do(ctx, o.logger, label, func(ctx context.Context) error {
		_, err := o.gateway.Dispatch(ctx, txn, capability, payloadRef, stage, 1)
		return err
	})
}

// failDispatch records a dispatch that exhausted retries or was permanently
// rejected: the transaction fails and, when retries were exhausted, the unit
// is quarantined for operator attention.
func (o *Orchestrator) failDispatch(ctx context.Context, txn *store.Transaction, capability store.Capability, dispatchErr error) {
	detail := fmt.Sprintf("%s dispatch: %v", capability, dispatchErr)
	if err := o.store.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnFailed, detail); err != nil {
		o.logger.Error("failed to record dispatch failure",
			logging.String(logging.FieldTxnID, txn.ID),
			logging.Error(err),
		)
	}
	o.logger.Error("dispatch failed permanently",
		logging.String(logging.FieldJobID, txn.JobID),
		logging.String(logging.FieldTxnID, txn.ID),
		logging.String(logging.FieldCapability, string(capability)),
		logging.Error(dispatchErr),
	)
	if retry.Classify(dispatchErr) != retry.ClassPermanent {
		dl := &store.DeadLetter{
			Kind:          "provider_dispatch",
			JobID:         txn.JobID,
			TransactionID: txn.ID,
			Capability:    capability,
			Detail:        dispatchErr.Error(),
			Attempts:      o.policy.MaxAttempts,
		}
		if err := o.store.AddDeadLetter(ctx, dl); err != nil {
			o.logger.Error("failed to quarantine dispatch", logging.Error(err))
			return
		}
		o.notify(ctx, func(ctx context.Context) error {
			return o.notifier.NotifyQuarantine(ctx, dl)
		})
	}
}

// notify runs a notification send and logs failure; notifications never block
// workflow progress.
func (o *Orchestrator) notify(ctx context.Context, send func(context.Context) error) {
	if o.notifier == nil {
		return
	}
	if err := send(ctx); err != nil {
		o.logger.Warn("notification failed", logging.Error(err))
	}
}
