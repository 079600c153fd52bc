package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/provider"
	"conveyor/internal/retry"
	"conveyor/internal/review"
	"conveyor/internal/router"
	"conveyor/internal/store"
	"conveyor/internal/workflow"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *provider.Registry
	gateway  *provider.Gateway
	orch     *workflow.Orchestrator
	router   *router.Router
	reviews  *review.Service
	notifier notifications.Service
	poller   *provider.Poller
	watchdog *workflow.Watchdog
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status reports daemon runtime information.
type Status struct {
	Running      bool
	DBPath       string
	LockFilePath string
	Capabilities []store.Capability
	Jobs         store.HealthSummary
}

// New constructs a daemon with all services wired from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := provider.NewRegistry()
	requestTimeout := time.Duration(cfg.Providers.RequestTimeout) * time.Second
	for name, endpoint := range cfg.Providers.Endpoints {
		capability, ok := store.ParseCapability(name)
		if !ok {
			_ = st.Close()
			return nil, fmt.Errorf("unknown provider capability %q in config", name)
		}
		registry.Register(provider.NewHTTPProvider(capability, endpoint, requestTimeout))
	}

	notifier := notifications.NewService(cfg)
	gateway := provider.NewGateway(cfg, st, registry, logger)
	orch := workflow.NewOrchestrator(cfg, st, gateway, notifier, logger)
	rt := router.New(st, gateway, orch, retry.FromConfig(cfg), notifier, logger)
	reviews := review.NewService(st, orch, notifier, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		registry: registry,
		gateway:  gateway,
		orch:     orch,
		router:   rt,
		reviews:  reviews,
		notifier: notifier,
		poller:   provider.NewPoller(st, registry, rt.Sink(), time.Duration(cfg.Workflow.PollInterval)*time.Second, logger),
		watchdog: workflow.NewWatchdog(st, rt.Sink(), time.Duration(cfg.Workflow.WatchdogInterval)*time.Second, logger),
		lockPath: cfg.LockFilePath(),
		lock:     flock.New(cfg.LockFilePath()),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, recovers interrupted jobs, and launches
// the API server and background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.orch.Recover(runCtx); err != nil {
		d.logger.Error("job recovery failed", logging.Error(err))
	}

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			cancel()
			_ = d.lock.Unlock()
			return err
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.poller.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.watchdog.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("conveyor daemon started",
		logging.String("lock", d.lockPath),
		logging.Any("capabilities", d.registry.Capabilities()),
	)
	return nil
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns a snapshot of daemon and job health.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		DBPath:       d.store.Path(),
		LockFilePath: d.lockPath,
		Capabilities: d.registry.Capabilities(),
		Jobs:         health,
	}, nil
}

// RetryFailed re-drives the failed transactions of a settled job.
func (d *Daemon) RetryFailed(ctx context.Context, jobID string, txnIDs []string) (int, error) {
	return d.orch.RetryFailed(ctx, jobID, txnIDs)
}

// TestNotification sends a test event through the configured channel.
func (d *Daemon) TestNotification(ctx context.Context) error {
	return d.notifier.TestNotification(ctx)
}
