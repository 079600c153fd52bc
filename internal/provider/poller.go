package provider

import (
	"context"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// CompletionSink receives normalized completion events. The router implements
// this; the poller and timeout watchdog feed it synthetic events.
type CompletionSink func(ctx context.Context, ev Completion) error

// Poller drives poll-mode providers: it periodically checks every live
// poll-mode handle and, once the provider reports done, emits a synthetic
// completion event into the same router entry point callbacks use.
type Poller struct {
	store    *store.Store
	registry *Registry
	sink     CompletionSink
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller constructs a poller.
func NewPoller(st *store.Store, registry *Registry, sink CompletionSink, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		store:    st,
		registry: registry,
		sink:     sink,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "poller"),
	}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep checks every live poll-mode handle once. Exposed separately so tests
// and the daemon can trigger an immediate pass.
func (p *Poller) Sweep(ctx context.Context) {
	handles, err := p.store.LivePollHandles(ctx)
	if err != nil {
		p.logger.Error("failed to list poll handles", logging.Error(err))
		return
	}
	for _, handle := range handles {
		if ctx.Err() != nil {
			return
		}
		p.check(ctx, handle)
	}
}

func (p *Poller) check(ctx context.Context, handle *store.OperationHandle) {
	prov, err := p.registry.Get(handle.Capability)
	if err != nil {
		p.logger.Warn("no provider for live poll handle",
			logging.String(logging.FieldOpID, handle.ProviderOpID),
			logging.String(logging.FieldCapability, string(handle.Capability)),
			logging.Error(err),
		)
		return
	}

	result, err := prov.Poll(ctx, handle.ProviderOpID)
	if err != nil {
		// Transient poll failures are retried on the next sweep; the
		// timeout watchdog bounds how long that can continue.
		p.logger.Debug("poll attempt failed",
			logging.String(logging.FieldOpID, handle.ProviderOpID),
			logging.Error(err),
		)
		return
	}
	if !result.Done {
		return
	}

	ev := Completion{
		ProviderOpID: handle.ProviderOpID,
		OK:           result.OK,
		ResultRef:    result.ResultRef,
		Confidence:   result.Confidence,
		ErrorDetail:  result.ErrorDetail,
	}
	if err := p.sink(ctx, ev); err != nil {
		p.logger.Error("failed to deliver synthetic completion",
			logging.String(logging.FieldOpID, handle.ProviderOpID),
			logging.Error(err),
		)
	}
}
