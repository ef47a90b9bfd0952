package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dreamware/warden/internal/enforcement"
	"github.com/dreamware/warden/internal/metrics"
	"github.com/dreamware/warden/internal/overuse"
	"github.com/dreamware/warden/internal/storage"
	"github.com/dreamware/warden/internal/vhal"
	"github.com/dreamware/warden/internal/watchdog"
)

// daemon owns every subsystem and their lifecycle.
type daemon struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collectors

	store    storage.Store
	closeDB  func() error
	configs  *overuse.Configs
	monitor  *overuse.Monitor
	enforcer *enforcement.Coordinator
	props    *vhal.Properties
	vhal     *vhal.Client
	wsHal    *vhal.WSHal
	beat     *vhal.HeartbeatMonitor
	watcher  *watchdog.ProcessWatcher
	dropIn   *overuse.DirWatcher
	service  *watchdog.Service

	stop chan struct{}
	wg   sync.WaitGroup
}

// dryRunTerminator logs instead of killing.
type dryRunTerminator struct {
	logger *slog.Logger
}

func (d dryRunTerminator) Terminate(_ context.Context, t enforcement.Target) error {
	name := ""
	if t.Package != nil {
		name = t.Package.Name
	}
	d.logger.Warn("dry run: would terminate", "pid", t.PID, "package", name, "reason", t.Reason.String())
	return nil
}

// newDaemon builds the subsystems without starting them.
func newDaemon(ctx context.Context, cfg Config, cl clock.Clock, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		clock:    cl,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),
	}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(d.registry)

	if cfg.DataDir == "" {
		d.store = storage.NewMemoryStore()
		d.closeDB = func() error { return nil }
	} else {
		db, err := storage.OpenBadger(storage.BadgerConfig{Path: cfg.DataDir, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, err
		}
		d.store, d.closeDB = db, db.Close
	}

	d.configs = overuse.NewConfigs(overuse.WithConfigsLogger(logger), overuse.WithConfigsMetrics(d.metrics))
	if err := d.buildConfigs(ctx); err != nil {
		_ = d.closeDB()
		return nil, err
	}

	if err := d.openVhal(ctx); err != nil {
		_ = d.closeDB()
		return nil, err
	}
	reporter := vhal.NewReporter(d.vhal, cl)

	opts := []enforcement.Option{
		enforcement.WithResolver(enforcement.NewProcResolver(d.configs)),
		enforcement.WithReporter(reporter),
		enforcement.WithDumpRate(cfg.Enforcement.DumpEvery, cfg.Enforcement.DumpBurst),
		enforcement.WithDumpTimeout(cfg.Enforcement.DumpTimeout),
		enforcement.WithClock(cl),
		enforcement.WithLogger(logger),
		enforcement.WithMetrics(d.metrics),
	}
	if cfg.Enforcement.DryRun {
		opts = append(opts, enforcement.WithTerminator(dryRunTerminator{logger: logger}))
	} else {
		opts = append(opts, enforcement.WithTerminator(enforcement.NewProcessTerminator()))
	}

	tiers, err := cfg.Health.tierConfigs()
	if err != nil {
		d.closeVhal()
		_ = d.closeDB()
		return nil, err
	}
	d.watcher = watchdog.NewProcessWatcher(cfg.Health.ProcessPollInterval,
		watchdog.WithWatcherClock(cl), watchdog.WithWatcherLogger(logger))
	d.service = watchdog.NewService(
		watchdog.WithClock(cl),
		watchdog.WithLogger(logger),
		watchdog.WithMetrics(d.metrics),
		watchdog.WithTiers(tiers),
		watchdog.WithSubscriber(d.watcher),
		watchdog.WithAliveReporter(reporter),
		watchdog.WithProbeConcurrency(cfg.Health.ProbeConcurrency),
	)

	d.enforcer = enforcement.NewCoordinator(d.configs, append(opts, enforcement.WithMonitorSource(d.service))...)
	d.service.SetEnforcer(d.enforcer)

	d.monitor = overuse.NewMonitor(d.configs,
		overuse.WithMonitorClock(cl),
		overuse.WithMonitorLogger(logger),
		overuse.WithMonitorMetrics(d.metrics),
		overuse.WithOveruseHandler(d.enforcer),
		overuse.WithStore(d.store),
		overuse.WithWarnPercent(cfg.Overuse.WarnPercent),
		overuse.WithBufferSize(cfg.Overuse.BufferSize),
	)
	d.service.SetUserStatsRemover(d.monitor)
	return d, nil
}

// buildConfigs applies the shipped configurations and the persisted latest
// ones.
func (d *daemon) buildConfigs(ctx context.Context) error {
	var build []overuse.ResourceOveruseConfiguration
	if d.cfg.Overuse.BuildDir != "" {
		var err error
		if build, err = overuse.LoadDir(d.cfg.Overuse.BuildDir); err != nil {
			return fmt.Errorf("load build configs: %w", err)
		}
	}
	latest, err := overuse.LoadLatest(d.store)
	if err != nil {
		d.logger.Error("failed to load latest overuse configs, using build configs", "error", err)
		latest = nil
	}
	d.configs.Build(ctx, build, latest)
	return nil
}

func (d *daemon) openVhal(ctx context.Context) error {
	d.props = vhal.NewProperties(d.store, d.clock, d.logger)
	var hal vhal.Hal = vhal.NewLocalHal(d.props)
	if d.cfg.Vhal.URL != "" {
		ws, err := vhal.DialWSHal(ctx, d.cfg.Vhal.URL, d.logger)
		if err != nil {
			return fmt.Errorf("connect to property service: %w", err)
		}
		d.wsHal, hal = ws, ws
	}
	d.vhal = vhal.NewClient(hal, d.cfg.Vhal.Timeout,
		vhal.WithClock(d.clock), vhal.WithLogger(d.logger), vhal.WithMetrics(d.metrics))
	return nil
}

func (d *daemon) closeVhal() {
	if d.vhal != nil {
		d.vhal.Close()
	}
	if d.wsHal != nil {
		_ = d.wsHal.Close()
	}
}

// start starts the health checks, the drop-in watcher and the disk monitor.
func (d *daemon) start(ctx context.Context) error {
	if err := d.service.Start(); err != nil {
		return err
	}
	if dir := d.cfg.Overuse.DropInDir; dir != "" {
		w, err := overuse.NewDirWatcher(dir, d.monitor.UpdateResourceOveruseConfigurations,
			overuse.WithDebounce(d.cfg.Overuse.DebounceWindow),
			overuse.WithWatcherClock(d.clock),
			overuse.WithWatcherLogger(d.logger))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		d.dropIn = w
	}
	if interval := d.cfg.Vhal.HeartbeatInterval; interval > 0 {
		d.beat = vhal.NewHeartbeatMonitor(d.vhal, interval, d.cfg.Vhal.HeartbeatMisses, func() {
			d.logger.Error("vehicle HAL stopped updating its heartbeat")
		}, d.clock, d.logger)
		d.beat.Start()
	}
	if d.cfg.Overuse.MonitorDisk {
		ticker := d.clock.Ticker(d.cfg.Overuse.PollInterval)
		d.wg.Add(1)
		go d.monitorDisk(overuse.NewHostDiskStats(), ticker)
	}
	return nil
}

func (d *daemon) monitorDisk(disk overuse.DiskStats, ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := d.monitor.OnPeriodicMonitor(d.clock.Now(), disk, func() {
				d.logger.Warn("system-wide disk write rate above alert threshold")
			})
			if err != nil && !errors.Is(err, overuse.ErrInvalidArgument) {
				d.logger.Error("disk monitor failed", "error", err)
			}
		case <-d.stop:
			return
		}
	}
}

// shutdown stops everything in reverse start order.
func (d *daemon) shutdown(timeout time.Duration) {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("disk monitor did not stop in time")
	}

	if d.dropIn != nil {
		d.dropIn.Stop()
	}
	if d.beat != nil {
		d.beat.Stop()
	}
	d.service.Terminate()
	d.watcher.Close()
	d.enforcer.Close()
	d.closeVhal()
	if err := d.closeDB(); err != nil {
		d.logger.Error("failed to close database", "error", err)
	}
}
