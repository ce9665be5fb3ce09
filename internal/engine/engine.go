// Package engine runs the quota accounting passes: per-storage aggregation,
// usage push and notification, the inode check and raw quota snapshots.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/push"
	"github.com/quotawatch/quotawatch/internal/quota"
)

// AdminNotifier receives operational notices.
type AdminNotifier interface {
	NotifyInodes(ctx context.Context, report map[string]map[string]models.InodeCritical) error
	NotifyRunFailures(ctx context.Context, runs []models.RunRecord) error
}

// RunStore keeps the run history.
type RunStore interface {
	RecordRun(ctx context.Context, run *models.RunRecord) error
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the collaborators of an Engine. Runs, Admins and Metrics are
// optional.
type Deps struct {
	Source    gpfs.Source
	Transport push.Transport
	Caches    alerts.CacheBackend
	Sender    alerts.Sender
	Users     quota.UserResolver
	Runs      RunStore
	Admins    []AdminNotifier
	Metrics   *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDryRun disables every side effect outside the process: no push, no
// mail, no cache writes, no archives.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// WithoutLock skips the run lock.
func WithoutLock() Option {
	return func(e *Engine) {
		e.noLock = true
	}
}

// Engine runs the accounting passes for one configuration.
type Engine struct {
	cfg        *config.Config
	deps       Deps
	classifier *quota.Classifier
	clock      clockwork.Clock
	logger     *logging.Logger
	dryRun     bool
	noLock     bool
}

// New creates an engine. When deps.Users is nil uids are resolved through
// the system account database.
func New(cfg *config.Config, deps Deps, opts ...Option) *Engine {
	users := deps.Users
	if users == nil {
		users = quota.NewSystemUsers()
	}
	e := &Engine{
		cfg:  cfg,
		deps: deps,
		classifier: &quota.Classifier{
			UserPrefix:    cfg.Owners.UserPrefix,
			VOPrefix:      cfg.Owners.VOPrefix,
			ProjectPrefix: cfg.Owners.ProjectPrefix,
			Ignored:       cfg.Owners.IgnoredAccounts,
			Users:         users,
		},
		clock:  clockwork.NewRealClock(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classifier returns the owner classifier built from the configuration.
func (e *Engine) Classifier() *quota.Classifier {
	return e.classifier
}

// StorageResult is the outcome of one storage in a check run.
type StorageResult struct {
	Run              models.RunRecord `json:"run"`
	PushedUsers      int              `json:"pushed_users"`
	PushedVOs        int              `json:"pushed_vos"`
	NotifiedUsers    int              `json:"notified_users"`
	NotifiedFilesets int              `json:"notified_filesets"`
	Severity         int              `json:"severity"`
	CacheErrors      []string         `json:"cache_errors,omitempty"`
}

func (r *StorageResult) recordCacheError(err error) {
	if err != nil {
		r.CacheErrors = append(r.CacheErrors, err.Error())
	}
}

// Report is the outcome of a check run.
type Report struct {
	RunID   string          `json:"run_id"`
	Results []StorageResult `json:"results"`
}

// Failed reports whether any storage failed.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Run.Status == models.RunFailed {
			return true
		}
	}
	return false
}

// Check processes the named storages, or all configured storages when names
// is empty. Storages are processed one after the other and fail
// independently; the returned error joins their failures.
func (e *Engine) Check(ctx context.Context, names []string) (*Report, error) {
	storages, err := e.selectStorages(names)
	if err != nil {
		return nil, err
	}

	if !e.noLock {
		unlock, err := acquireLock(e.cfg.LockFile)
		if err != nil {
			return nil, err
		}
		defer func() { _ = unlock() }()
	}

	ctx = logging.EnsureRunID(ctx)
	report := &Report{RunID: logging.GetRunID(ctx)}
	e.logger.InfoWithContext(ctx, "quota check started", "storages", len(storages), "dry_run", e.dryRun)

	quotaByFS, err := e.deps.Source.ListQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quota: %w", err)
	}
	index, err := e.deps.Source.ListFilesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list filesets: %w", err)
	}

	var errs []error
	for _, storage := range storages {
		result, err := e.checkStorage(ctx, storage, quotaByFS, index)
		if err != nil {
			errs = append(errs, err)
		}
		report.Results = append(report.Results, result)
	}

	e.finishRun(ctx, report)
	e.logger.InfoWithContext(ctx, "quota check finished", "storages", len(report.Results), "failed", len(errs))
	return report, stderrors.Join(errs...)
}

func (e *Engine) selectStorages(names []string) ([]config.StorageConfig, error) {
	if len(names) == 0 {
		return e.cfg.Storages, nil
	}
	out := make([]config.StorageConfig, 0, len(names))
	for _, name := range names {
		s, ok := e.cfg.Storage(name)
		if !ok {
			return nil, fmt.Errorf("unknown storage %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// finishRun stores the history, exports metrics and tells the admins about
// failed storages. None of these steps changes the outcome of the run.
func (e *Engine) finishRun(ctx context.Context, report *Report) {
	runs := make([]models.RunRecord, 0, len(report.Results))
	for i := range report.Results {
		res := &report.Results[i]
		if e.deps.Runs != nil {
			if err := e.deps.Runs.RecordRun(ctx, &res.Run); err != nil {
				e.logger.ErrorWithContext(ctx, "could not record run", "storage", res.Run.Storage, "error", err)
			}
		}
		runs = append(runs, res.Run)
	}

	if e.deps.Runs != nil && e.cfg.Database.RunsRetention > 0 {
		cutoff := e.clock.Now().Add(-e.cfg.Database.RunsRetention)
		if n, err := e.deps.Runs.PruneRuns(ctx, cutoff); err != nil {
			e.logger.WarnWithContext(ctx, "could not prune run history", "error", err)
		} else if n > 0 {
			e.logger.DebugWithContext(ctx, "pruned run history", "removed", n)
		}
	}

	if report.Failed() {
		for _, admin := range e.deps.Admins {
			if err := admin.NotifyRunFailures(ctx, runs); err != nil {
				e.logger.ErrorWithContext(ctx, "could not send failure notice", "error", err)
			}
		}
	}

	e.writeTextfile(ctx)
}

func (e *Engine) writeTextfile(ctx context.Context) {
	if e.deps.Metrics == nil || e.cfg.Metrics.Textfile == "" || e.dryRun {
		return
	}
	if err := e.deps.Metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.logger.ErrorWithContext(ctx, "could not write metrics textfile", "path", e.cfg.Metrics.Textfile, "error", err)
	}
}
