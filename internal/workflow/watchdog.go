package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/provider"
	"conveyor/internal/store"
)

// Watchdog bounds every suspension. It converts operation handles that blew
// their capability deadline into synthetic timeout completions, and purges
// terminal jobs whose retention TTL has lapsed.
type Watchdog struct {
	store    *store.Store
	sink     provider.CompletionSink
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog builds a watchdog that feeds timeout completions into sink.
func NewWatchdog(st *store.Store, sink provider.CompletionSink, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		store:    st,
		sink:     sink,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "watchdog"),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expired handles become timeout completions routed
// through the normal completion path, then expired terminal jobs are purged.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := time.Now()
	handles, err := w.store.ExpiredHandles(ctx, now)
	if err != nil {
		w.logger.Error("failed to scan expired handles", logging.Error(err))
		return
	}
	for _, handle := range handles {
		w.logger.Warn("operation deadline exceeded",
			logging.String(logging.FieldJobID, handle.JobID),
			logging.String(logging.FieldTxnID, handle.TransactionID),
			logging.String(logging.FieldCapability, string(handle.Capability)),
			logging.String(logging.FieldOpID, handle.ProviderOpID),
			logging.Duration("overdue", now.Sub(handle.Deadline)),
		)
		ev := provider.Completion{
			ProviderOpID: handle.ProviderOpID,
			OK:           false,
			ErrorDetail:  fmt.Sprintf("%s operation exceeded deadline %s", handle.Capability, handle.Deadline.Format(time.RFC3339)),
			Timeout:      true,
		}
		if err := w.sink(ctx, ev); err != nil {
			w.logger.Error("failed to route timeout completion",
				logging.String(logging.FieldOpID, handle.ProviderOpID),
				logging.Error(err),
			)
		}
	}

	purged, err := w.store.PurgeExpiredJobs(ctx, now)
	if err != nil {
		w.logger.Error("failed to purge expired jobs", logging.Error(err))
		return
	}
	if purged > 0 {
		w.logger.Info("purged expired jobs", logging.Int("count", purged))
	}
}
