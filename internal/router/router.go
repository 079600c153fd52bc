package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/provider"
	"conveyor/internal/retry"
	"conveyor/internal/store"
	"conveyor/internal/workflow"
)

// Router is the single entry point for provider completion events.
type Router struct {
	store    *store.Store
	gateway  *provider.Gateway
	orch     *workflow.Orchestrator
	policy   retry.Policy
	notifier notifications.Service
	logger   *slog.Logger
}

// New builds a completion router.
func New(st *store.Store, gw *provider.Gateway, orch *workflow.Orchestrator, policy retry.Policy, notifier notifications.Service, logger *slog.Logger) *Router {
	return &Router{
		store:    st,
		gateway:  gw,
		orch:     orch,
		policy:   policy,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "router"),
	}
}

// Sink adapts the router to the provider.CompletionSink signature used by the
// poller and watchdog.
func (r *Router) Sink() provider.CompletionSink {
	return r.HandleCompletion
}

// HandleCompletion routes one completion event. Unknown operation ids and
// duplicate deliveries are logged no-ops; a redelivery that finds a consumed
// handle with a live continuation finishes the interrupted recording and
// resume steps.
func (r *Router) HandleCompletion(ctx context.Context, ev provider.Completion) error {
	fresh := true
	handle, err := r.store.ConsumeHandle(ctx, ev.ProviderOpID)
	if errors.Is(err, store.ErrNotFound) {
		handle, err = r.store.GetHandle(ctx, ev.ProviderOpID)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("completion for unknown operation ignored",
				logging.String(logging.FieldOpID, ev.ProviderOpID),
			)
			return nil
		}
		fresh = false
	}
	if err != nil {
		return err
	}

	if ev.OK {
		return r.succeed(ctx, handle, ev)
	}
	return r.fail(ctx, handle, ev, fresh)
}

// succeed records the result on the transaction and resumes the continuation.
// Both steps are idempotent, so rerunning them on a redelivery is safe.
func (r *Router) succeed(ctx context.Context, handle *store.OperationHandle, ev provider.Completion) error {
	ref, confidence := ev.ResultRef, ev.Confidence
	if ref == "" {
		var err error
		ref, confidence, err = r.gateway.FetchResult(ctx, handle)
		if err != nil {
			r.logger.Error("failed to fetch result for completed operation",
				logging.String(logging.FieldOpID, handle.ProviderOpID),
				logging.Error(err),
			)
			return r.fail(ctx, handle, provider.Completion{
				ProviderOpID: handle.ProviderOpID,
				ErrorDetail:  fmt.Sprintf("fetch result: %v", err),
			}, true)
		}
	}

	if err := r.store.SetTransactionResult(ctx, handle.TransactionID, handle.Capability, ref, confidence); err != nil {
		return err
	}
	r.logger.Info("operation completed",
		logging.String(logging.FieldJobID, handle.JobID),
		logging.String(logging.FieldTxnID, handle.TransactionID),
		logging.String(logging.FieldCapability, string(handle.Capability)),
		logging.String(logging.FieldOpID, handle.ProviderOpID),
	)
	return r.orch.Resume(ctx, handle.ContinuationToken, workflow.ResumeEvent{
		TransactionID: handle.TransactionID,
		Capability:    handle.Capability,
		ResultRef:     ref,
		Confidence:    confidence,
	})
}

func (r *Router) fail(ctx context.Context, handle *store.OperationHandle, ev provider.Completion, fresh bool) error {
	detail := ev.ErrorDetail
	if detail == "" {
		detail = "provider reported failure"
	}
	r.logger.Warn("operation failed",
		logging.String(logging.FieldJobID, handle.JobID),
		logging.String(logging.FieldTxnID, handle.TransactionID),
		logging.String(logging.FieldCapability, string(handle.Capability)),
		logging.String(logging.FieldOpID, handle.ProviderOpID),
		logging.Int("attempt", handle.Attempt),
		logging.Bool("timeout", ev.Timeout),
		logging.String(logging.FieldErrorHint, detail),
	)

	if fresh && !r.policy.Exhausted(handle.Attempt) {
		return r.redispatch(ctx, handle, detail)
	}

	cont, err := r.store.TakeContinuation(ctx, handle.ContinuationToken)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("failure already settled",
			logging.String(logging.FieldOpID, handle.ProviderOpID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	return r.settleFailure(ctx, handle, cont.Stage, detail)
}

// redispatch replaces an exhausted operation attempt with a fresh submission
// of the original payload. The old continuation is invalidated first so the
// failed attempt can never resume the workflow.
func (r *Router) redispatch(ctx context.Context, handle *store.OperationHandle, detail string) error {
	cont, err := r.store.TakeContinuation(ctx, handle.ContinuationToken)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("failure already settled",
			logging.String(logging.FieldOpID, handle.ProviderOpID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	txn, err := r.store.GetTransaction(ctx, handle.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status.IsTerminal() {
		return r.orch.CompleteUnit(ctx, handle.JobID, cont.Stage, workflow.ResumeEvent{
			TransactionID: handle.TransactionID,
			Capability:    handle.Capability,
			Failed:        true,
			ErrorDetail:   detail,
		})
	}

	attempt := handle.Attempt + 1
	if _, err := r.gateway.Dispatch(ctx, txn, handle.Capability, handle.PayloadRef, cont.Stage, attempt); err != nil {
		r.logger.Error("re-dispatch failed",
			logging.String(logging.FieldTxnID, handle.TransactionID),
			logging.String(logging.FieldCapability, string(handle.Capability)),
			logging.Int("attempt", attempt),
			logging.Error(err),
		)
		return r.settleFailure(ctx, handle, cont.Stage, fmt.Sprintf("%s; re-dispatch: %v", detail, err))
	}
	r.logger.Info("operation re-dispatched",
		logging.String(logging.FieldTxnID, handle.TransactionID),
		logging.String(logging.FieldCapability, string(handle.Capability)),
		logging.Int("attempt", attempt),
	)
	return nil
}

// settleFailure quarantines an exhausted unit and advances the job. Callers
// must have invalidated the handle's continuation before calling.
func (r *Router) settleFailure(ctx context.Context, handle *store.OperationHandle, stage, detail string) error {
	if err := r.store.UpdateTransactionStatus(ctx, handle.TransactionID, store.AnySeq, store.TxnFailed, detail); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	dl := &store.DeadLetter{
		Kind:          "provider_operation",
		JobID:         handle.JobID,
		TransactionID: handle.TransactionID,
		Capability:    handle.Capability,
		Detail:        detail,
		Attempts:      handle.Attempt,
	}
	if err := r.store.AddDeadLetter(ctx, dl); err != nil {
		return err
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyQuarantine(ctx, dl); err != nil {
			r.logger.Warn("notification failed", logging.Error(err))
		}
	}
	return r.orch.CompleteUnit(ctx, handle.JobID, stage, workflow.ResumeEvent{
		TransactionID: handle.TransactionID,
		Capability:    handle.Capability,
		Failed:        true,
		ErrorDetail:   detail,
	})
}
