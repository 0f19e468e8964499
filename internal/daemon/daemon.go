// Package daemon wires the registry index, build queue, sandbox builder and
// HTTP surface into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/metrics"
	"github.com/docforge/docforge/internal/queue"
	"github.com/docforge/docforge/internal/registry"
	"github.com/docforge/docforge/internal/sandbox"
	regsync "github.com/docforge/docforge/internal/sync"
)

// staleClaimAge is how long a claim may sit before a maintenance pass
// assumes its worker died and returns the entry to the queue.
const staleClaimAge = 30 * time.Minute

// Daemon is the docforge orchestrator process.
type Daemon struct {
	cfg        *config.Config
	configPath string

	store    *db.DB
	queue    *queue.BuildQueue
	index    *registry.Index
	syncer   *regsync.Syncer
	builder  *sandbox.Builder
	recorder *metrics.Recorder
	registry *prom.Registry
	trigger  *Trigger
	logger   *slog.Logger

	http      *httpServer
	scheduler gocron.Scheduler
	natsConn  *nats.Conn
}

// New assembles a Daemon from configuration. configPath is watched for
// changes while the daemon runs; pass "" to disable the watcher.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Daemon, error) {
	store, err := db.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	index, err := registry.Open(cfg.Registry.IndexPath, cfg.Registry.IndexURL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	buildQueue := queue.New(store, cfg.Build.MaxAttempts, cfg.Build.RetryDelay())

	promRegistry := prom.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		queue:      buildQueue,
		index:      index,
		syncer:     regsync.New(store, buildQueue, index, cfg.Registry.Name, cfg.Storage.LockPath, logger),
		builder:    sandbox.NewBuilder(store, cfg, logger),
		recorder:   metrics.NewRecorder(promRegistry),
		registry:   promRegistry,
		trigger:    NewTrigger(),
		logger:     logger,
	}
	d.http = newHTTPServer(d, cfg.Daemon.ListenAddr, promRegistry, logger)
	return d, nil
}

// Run starts every component and blocks until ctx is canceled or a fatal
// error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Storage.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	if err := d.startScheduler(); err != nil {
		return err
	}

	if url := d.cfg.Daemon.NATS.URL; url != "" {
		conn, err := subscribeNATS(url, d.cfg.Daemon.NATS.Subject, d.trigger, d.logger)
		if err != nil {
			// Push notifications are an optimization over the poll
			// schedule, not a requirement.
			d.logger.Warn("nats unavailable, relying on poll schedule", logfields.Error(err))
		} else {
			d.natsConn = conn
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.syncLoop(runCtx)
	}()

	for i := 0; i < d.cfg.Daemon.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runWorker(runCtx, name)
		}()
	}

	if d.configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(runCtx, d.configPath, d.logger, d.builder.UpdateConfig); err != nil && runCtx.Err() == nil {
				d.logger.Warn("config watcher stopped", logfields.Error(err))
			}
		}()
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- d.http.start() }()

	// Catch up with anything published while the daemon was down.
	d.trigger.Notify()

	var err error
	select {
	case <-ctx.Done():
	case err = <-httpErr:
		if err != nil {
			d.logger.Error("http server failed", logfields.Error(err))
		}
	}

	cancel()
	d.shutdown()
	wg.Wait()
	return err
}

func (d *Daemon) startScheduler() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	d.scheduler = scheduler

	jobs := []struct {
		name     string
		schedule string
		task     func()
	}{
		{"registry-poll", d.cfg.Registry.PollSchedule, d.trigger.Notify},
		{"queue-rebuilds", d.cfg.Daemon.RebuildSchedule, func() {
			if err := d.queueRebuilds(context.Background()); err != nil {
				d.logger.Error("queue rebuilds failed", logfields.Error(err))
			}
		}},
		{"index-gc", d.cfg.Registry.GCSchedule, func() {
			if err := d.index.RunGC(); err != nil {
				d.logger.Warn("index gc failed", logfields.Error(err))
			}
		}},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := scheduler.NewJob(
			gocron.CronJob(job.schedule, false),
			gocron.NewTask(job.task),
			gocron.WithName(job.name),
		); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(d.maintenance),
		gocron.WithName("queue-maintenance"),
	); err != nil {
		return fmt.Errorf("schedule queue-maintenance: %w", err)
	}

	scheduler.Start()
	return nil
}

// maintenance reclaims claims abandoned by dead workers and refreshes the
// queue gauges.
func (d *Daemon) maintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reclaimed, err := d.queue.ReclaimStaleClaims(ctx, staleClaimAge)
	if err != nil {
		d.logger.Error("reclaim stale claims failed", logfields.Error(err))
	} else if reclaimed > 0 {
		d.logger.Warn("reclaimed stale queue claims", slog.Int64("count", reclaimed))
	}

	counts, err := d.queue.GetCounts(ctx)
	if err != nil {
		d.logger.Error("queue counts failed", logfields.Error(err))
		return
	}
	d.recorder.SetQueueDepth(counts.Pending, counts.Failed)
}

// syncLoop runs one synchronization per trigger notification. Notifications
// arriving during a run coalesce into a single follow-up run.
func (d *Daemon) syncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger.C():
		}

		started := time.Now()
		stats, err := d.syncer.Run(ctx)
		d.recorder.ObserveSyncDuration(time.Since(started))
		switch {
		case err != nil:
			d.recorder.IncSyncResult(metrics.SyncError)
			d.logger.Error("registry sync failed", logfields.Error(err))
		case stats.Skipped:
			d.recorder.IncSyncResult(metrics.SyncSkipped)
		default:
			d.recorder.IncSyncResult(metrics.SyncOK)
			d.recorder.AddEnqueued(stats.Enqueued)
		}
	}
}

func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")
	if d.scheduler != nil {
		if err := d.scheduler.Shutdown(); err != nil {
			d.logger.Warn("scheduler shutdown", logfields.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.http.shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown", logfields.Error(err))
	}
}

// Close releases the daemon's database handle. Call after Run returns.
func (d *Daemon) Close() error {
	return d.store.Close()
}
