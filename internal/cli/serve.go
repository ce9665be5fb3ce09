package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/signal"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/quotawatch/quotawatch/internal/api"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/engine"
	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "daemon"},
	Short:   "Run checks on a schedule and serve status over HTTP",
	Long: `Run the quota check on the configured cron schedule and serve
/health, /metrics and the run history over HTTP.

The configuration is reloaded when the file changes or on SIGHUP.

Example:
  quotawatch serve --config /etc/quotawatch/config.yaml`,
	RunE: runServe,
}

var serveFlags struct {
	Host      string
	Port      int
	RunAtBoot bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.RunAtBoot, "run-now", false, "Run a check immediately at startup")
	RootCmd.AddCommand(serveCmd)
}

// daemon runs scheduled checks against the current engine. Reloads swap
// the engine and the cron entries; runs never overlap.
type daemon struct {
	app    *app
	logger *logging.Logger

	mu          sync.RWMutex
	engine      *engine.Engine
	cfg         *config.Config
	cron        *cron.Cron
	checkEntry  cron.EntryID
	inodesEntry cron.EntryID

	checks chan struct{}
	inodes chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newDaemon(a *app) *daemon {
	return &daemon{
		app:    a,
		logger: a.logger,
		engine: a.engine,
		cfg:    a.cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger))),
		checks: make(chan struct{}, 1),
		inodes: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func enqueue(ch chan struct{}) bool {
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// TriggerCheck queues a check run. It returns false when one is already
// queued.
func (d *daemon) TriggerCheck() bool {
	return enqueue(d.checks)
}

func (d *daemon) current() (*engine.Engine, *config.Config) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine, d.cfg
}

// schedule replaces the cron entries with the schedules of cfg.
func (d *daemon) schedule(cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.checkEntry != 0 {
		d.cron.Remove(d.checkEntry)
		d.checkEntry = 0
	}
	if d.inodesEntry != 0 {
		d.cron.Remove(d.inodesEntry)
		d.inodesEntry = 0
	}

	id, err := d.cron.AddFunc(cfg.Server.Schedule, func() { enqueue(d.checks) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Server.Schedule, err)
	}
	d.checkEntry = id

	if cfg.Server.InodeSchedule != "" {
		id, err := d.cron.AddFunc(cfg.Server.InodeSchedule, func() { enqueue(d.inodes) })
		if err != nil {
			return fmt.Errorf("inode schedule %q: %w", cfg.Server.InodeSchedule, err)
		}
		d.inodesEntry = id
	}
	return nil
}

// reload rebuilds the engine for cfg. The old engine stays active when the
// new configuration cannot be wired.
func (d *daemon) reload(cfg *config.Config) {
	if dbPath(cfg) != dbPath(d.app.cfg) {
		d.logger.Warn("database path changed, restart to apply", "path", dbPath(cfg))
	}
	e, err := d.app.buildEngine(cfg)
	if err != nil {
		d.logger.Error("could not apply reloaded configuration", "error", err)
		return
	}
	if err := d.schedule(cfg); err != nil {
		d.logger.Error("could not reschedule, keeping previous schedule", "error", err)
		return
	}

	d.mu.Lock()
	d.engine = e
	d.cfg = cfg
	d.mu.Unlock()
	d.logger.Info("configuration applied", "storages", len(cfg.Storages), "schedule", cfg.Server.Schedule)
}

// work runs queued checks one at a time until stop is closed. A check in
// progress is finished first.
func (d *daemon) work(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.checks:
			e, _ := d.current()
			report, err := e.Check(ctx, nil)
			var locked *errors.ErrRunLocked
			switch {
			case stderrors.As(err, &locked):
				d.logger.Warn("skipping scheduled check, another run holds the lock", "path", locked.Path)
			case err != nil && report == nil:
				d.logger.Error("scheduled check could not start", "error", err)
			case err != nil:
				d.logger.Error("scheduled check finished with failures", "run_id", report.RunID, "error", err)
			}
		case <-d.inodes:
			e, _ := d.current()
			if _, err := e.Inodes(ctx); err != nil {
				d.logger.Error("scheduled inode check failed", "error", err)
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("error closing database", "error", err)
		}
	}()
	loader.SetLogger(a.logger)

	d := newDaemon(a)
	if err := d.schedule(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	server := api.NewServer(cfg.Server, a.db, a.metrics,
		api.WithLogger(a.logger),
		api.WithTrigger(d.TriggerCheck),
	)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	loader.SetOnChange(func(next *config.Config) {
		next.Server.Host, next.Server.HTTPPort = cfg.Server.Host, cfg.Server.HTTPPort
		d.reload(next)
	})
	if err := loader.Watch(ctx); err != nil {
		a.logger.Warn("config file watching disabled", "path", loader.Path(), "error", err)
	}

	go d.work(ctx)
	d.cron.Start()
	if serveFlags.RunAtBoot {
		d.TriggerCheck()
	}
	a.logger.Info("quotawatch daemon started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"schedule", cfg.Server.Schedule,
		"storages", len(cfg.Storages),
		"dry_run", globalFlags.DryRun)

	signals := api.SetupSignalHandler()
	defer signal.Stop(signals)
	var runErr error
loop:
	for {
		select {
		case sig := <-signals:
			if api.IsReload(sig) {
				a.logger.Info("reload requested", "signal", sig.String())
				if _, err := loader.Reload(); err != nil {
					a.logger.Error("config reload failed, keeping previous configuration", "error", err)
				}
				continue
			}
			a.logger.Info("received signal, shutting down", "signal", sig.String())
			break loop
		case err := <-serverErr:
			runErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	_, current := d.current()
	timeout := current.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// Stop scheduling, then let a running check finish within the timeout.
	<-d.cron.Stop().Done()
	close(d.stop)
	select {
	case <-d.done:
	case <-shutdownCtx.Done():
		a.logger.Warn("check still running at shutdown timeout, cancelling")
		cancel()
		<-d.done
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	}
	a.logger.Info("quotawatch daemon stopped")
	return runErr
}
