package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// Gateway dispatches work to capability providers and records the durable
// state (operation handle + suspended continuation) each dispatch leaves
// behind. Dispatch is fire-and-forget: the workflow suspends immediately and
// resumes only when a completion event arrives.
type Gateway struct {
	store    *store.Store
	registry *Registry
	timeouts map[store.Capability]time.Duration
	logger   *slog.Logger
}

// NewGateway builds a gateway using per-capability timeouts from config.
func NewGateway(cfg *config.Config, st *store.Store, registry *Registry, logger *slog.Logger) *Gateway {
	timeouts := map[store.Capability]time.Duration{
		store.CapabilityOCR:            time.Duration(cfg.Providers.OCRTimeout) * time.Second,
		store.CapabilityTranscription:  time.Duration(cfg.Providers.TranscriptionTimeout) * time.Second,
		store.CapabilityClassification: time.Duration(cfg.Providers.ClassificationTimeout) * time.Second,
		store.CapabilityVideoAnalysis:  time.Duration(cfg.Providers.VideoAnalysisTimeout) * time.Second,
		store.CapabilityTranslation:    time.Duration(cfg.Providers.TranslationTimeout) * time.Second,
		store.CapabilityArchive:        time.Duration(cfg.Providers.ArchiveTimeout) * time.Second,
	}
	return &Gateway{
		store:    st,
		registry: registry,
		timeouts: timeouts,
		logger:   logging.NewComponentLogger(logger, "gateway"),
	}
}

// Supports reports whether a provider is registered for the capability.
func (g *Gateway) Supports(capability store.Capability) bool {
	return g.registry.Has(capability)
}

// Timeout returns the maximum wait for a capability.
func (g *Gateway) Timeout(capability store.Capability) time.Duration {
	if d, ok := g.timeouts[capability]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// Dispatch submits one (transaction, capability) unit to its provider and
// persists the operation handle plus the continuation the completion event
// will resume. The stage names the orchestrator resume point. Any prior live
// handle for the pair is superseded so duplicate resumption cannot occur.
func (g *Gateway) Dispatch(ctx context.Context, txn *store.Transaction, capability store.Capability, payloadRef, stage string, attempt int) (*store.OperationHandle, error) {
	p, err := g.registry.Get(capability)
	if err != nil {
		return nil, err
	}

	receipt, err := p.Submit(ctx, Request{
		JobID:         txn.JobID,
		TransactionID: txn.ID,
		Capability:    capability,
		PayloadRef:    payloadRef,
	})
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	cont := &store.Continuation{
		Token:         token,
		JobID:         txn.JobID,
		TransactionID: txn.ID,
		Stage:         stage,
		Context:       map[string]string{"capability": string(capability)},
	}
	if err := g.store.PutContinuation(ctx, cont); err != nil {
		return nil, err
	}

	now := time.Now()
	handle := &store.OperationHandle{
		ProviderOpID:      receipt.OperationID,
		JobID:             txn.JobID,
		TransactionID:     txn.ID,
		Capability:        capability,
		Mode:              receipt.Mode,
		PayloadRef:        payloadRef,
		ContinuationToken: token,
		Attempt:           attempt,
		IssuedAt:          now,
		Deadline:          now.Add(g.Timeout(capability)),
	}
	if err := g.store.PutHandle(ctx, handle); err != nil {
		return nil, err
	}

	g.logger.Debug("dispatched provider operation",
		logging.String(logging.FieldJobID, txn.JobID),
		logging.String(logging.FieldTxnID, txn.ID),
		logging.String(logging.FieldCapability, string(capability)),
		logging.String(logging.FieldOpID, receipt.OperationID),
		logging.String("mode", string(receipt.Mode)),
		logging.Int("attempt", attempt),
	)
	return handle, nil
}

// FetchResult retrieves the output artifact reference for a completed
// operation.
func (g *Gateway) FetchResult(ctx context.Context, handle *store.OperationHandle) (string, float64, error) {
	p, err := g.registry.Get(handle.Capability)
	if err != nil {
		return "", 0, err
	}
	return p.Fetch(ctx, handle.ProviderOpID)
}

// Cancel asks the provider to abandon an in-flight operation. Best-effort;
// providers that cannot cancel return an error the caller may ignore.
func (g *Gateway) Cancel(ctx context.Context, handle *store.OperationHandle) error {
	p, err := g.registry.Get(handle.Capability)
	if err != nil {
		return err
	}
	return p.Cancel(ctx, handle.ProviderOpID)
}
