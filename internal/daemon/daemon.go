// Package daemon implements the build-orchestration core: the bounded
// build queue and worker pool, the process executor, the autobuild file
// watchers, restart reconciliation and the facade the transport calls.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/autobuildd/internal/config"
	"git.home.luguber.info/inful/autobuildd/internal/history"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/metrics"
	"git.home.luguber.info/inful/autobuildd/internal/notify"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

const shutdownTimeout = 30 * time.Second

// Daemon owns all long-lived components and their startup order.
type Daemon struct {
	cfg      *config.Config
	store    *state.Store
	archive  *history.Store
	notifier *notify.Publisher
	registry *prometheus.Registry
	queue    *BuildQueue
	executor *Executor
	watches  *WatchManager
	facade   *Facade
	sched    *Scheduler
	http     *HTTPServer
}

// New builds the daemon from configuration. It opens the store and
// archive but does not start any background work.
func New(cfg *config.Config) (*Daemon, error) {
	store, err := state.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	var archive *history.Store
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "history.db")
		}
		archive, err = history.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open run history: %w", err)
		}
	}

	var notifier *notify.Publisher
	if cfg.NATS.Enabled {
		notifier, err = notify.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, fmt.Errorf("connect event publisher: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(registry)

	executor := NewExecutor(store, rec, notifier, archive)
	queue := NewBuildQueue(store, executor, rec, cfg.Queue.Slots, cfg.Queue.MaxSize)
	watches := NewWatchManager(store, queue, rec, cfg.Watch.Debounce())
	facade := NewFacade(store, queue, executor, watches, archive)

	sched, err := NewScheduler(queue)
	if err != nil {
		return nil, err
	}
	if err := sched.Register(cfg.Schedules); err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		store:    store,
		archive:  archive,
		notifier: notifier,
		registry: registry,
		queue:    queue,
		executor: executor,
		watches:  watches,
		facade:   facade,
		sched:    sched,
		http:     NewHTTPServer(cfg.HTTP.Listen, facade, registry),
	}, nil
}

// Facade exposes the orchestration surface, mainly for tests and
// embedding.
func (d *Daemon) Facade() *Facade {
	return d.facade
}

// Run reconciles persisted state, starts all components and blocks until
// ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	// Repair must complete before any external call can observe state.
	if _, err := Reconcile(d.store); err != nil {
		return fmt.Errorf("restart reconciliation: %w", err)
	}

	// Re-arm watchers for profiles that had autobuild enabled.
	for _, profile := range d.store.List() {
		if !profile.AutobuildEnabled {
			continue
		}
		if err := d.watches.Enable(profile.Name); err != nil {
			slog.Warn("Failed to re-enable autobuild watcher",
				logfields.Profile(profile.Name), logfields.Error(err))
		}
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	d.queue.Start(workerCtx)
	d.sched.Start()
	d.http.Start()

	slog.Info("Daemon started",
		"data_dir", d.cfg.DataDir,
		"slots", d.cfg.Queue.Slots,
		"listen", d.cfg.HTTP.Listen)

	<-ctx.Done()
	slog.Info("Daemon shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.http.Stop(shutdownCtx); err != nil {
		slog.Warn("RPC server shutdown incomplete", logfields.Error(err))
	}
	if err := d.sched.Stop(); err != nil {
		slog.Warn("Scheduler shutdown failed", logfields.Error(err))
	}
	d.watches.Stop()

	// Cancelling the worker context tears down in-flight build processes;
	// Stop then waits for their terminal records to land.
	cancelWorkers()
	d.queue.Stop()

	d.notifier.Close()
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			slog.Warn("History archive close failed", logfields.Error(err))
		}
	}

	slog.Info("Daemon stopped")
	return nil
}
