package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/quotawatch/quotawatch/internal/archive"
	"github.com/quotawatch/quotawatch/internal/cleanup"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/quota"
)

// Inodes archives the fileset inode data of every configured filesystem,
// scans it for filesets close to their inode limit and sends one admin
// notice for all of them. The report only holds filesystems with critical
// filesets.
func (e *Engine) Inodes(ctx context.Context) (map[string]map[string]models.InodeCritical, error) {
	ctx = logging.EnsureRunID(ctx)

	index, err := e.deps.Source.ListFilesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list filesets: %w", err)
	}
	quotaByFS, err := e.deps.Source.ListQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quota: %w", err)
	}

	threshold := e.cfg.Inodes.Threshold
	if threshold <= 0 {
		threshold = quota.DefaultInodeThreshold
	}

	now := e.clock.Now()
	report := make(map[string]map[string]models.InodeCritical)
	var errs []error
	for _, fs := range e.cfg.Filesystems() {
		logger := e.logger.With("filesystem", fs)
		filesets := index[fs]

		if dir := e.cfg.Inodes.ArchiveDir; dir != "" {
			if e.dryRun {
				logger.InfoWithContext(ctx, "dry run, would archive inode data", "dir", dir, "filesets", len(filesets))
			} else if path, err := archive.WriteInodes(dir, fs, filesets, now); err != nil {
				logger.ErrorWithContext(ctx, "could not archive inode data", "error", err)
				errs = append(errs, err)
			} else {
				logger.DebugWithContext(ctx, "inode data archived", "path", path)
			}
		}

		critical := quota.ScanInodes(filesets, quotaByFS[fs].Filesets, threshold)
		if e.deps.Metrics != nil {
			e.deps.Metrics.SetInodeCritical(fs, len(critical))
		}
		if len(critical) == 0 {
			continue
		}
		logger.WarnWithContext(ctx, "filesets close to their inode limit", "count", len(critical))
		report[fs] = critical
	}

	if len(report) > 0 {
		for _, admin := range e.deps.Admins {
			if e.dryRun {
				e.logger.InfoWithContext(ctx, "dry run, would send inode notice", "filesystems", len(report))
				break
			}
			if err := admin.NotifyInodes(ctx, report); err != nil {
				errs = append(errs, fmt.Errorf("inode notice: %w", err))
			}
		}
	}

	if dir := e.cfg.Inodes.ArchiveDir; dir != "" {
		if err := e.pruneArchives(ctx, dir, archive.KindInodes); err != nil {
			errs = append(errs, err)
		}
	}

	e.writeTextfile(ctx)
	return report, stderrors.Join(errs...)
}

// Snapshot archives the raw quota of every configured filesystem and
// returns the written paths.
func (e *Engine) Snapshot(ctx context.Context) ([]string, error) {
	dir := e.cfg.Archive.QuotaDir
	if dir == "" {
		return nil, fmt.Errorf("archive.quota_dir is not configured")
	}

	quotaByFS, err := e.deps.Source.ListQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quota: %w", err)
	}

	now := e.clock.Now()
	var (
		paths []string
		errs  []error
	)
	for _, fs := range e.cfg.Filesystems() {
		qm, ok := quotaByFS[fs]
		if !ok {
			e.logger.WarnWithContext(ctx, "no quota reported for filesystem", "filesystem", fs)
			continue
		}
		if e.dryRun {
			e.logger.InfoWithContext(ctx, "dry run, would archive quota", "filesystem", fs, "file", archive.Filename(archive.KindQuota, fs, now))
			continue
		}
		path, err := archive.WriteQuota(dir, fs, qm, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.logger.InfoWithContext(ctx, "quota archived", "filesystem", fs, "path", path)
		paths = append(paths, path)
	}
	if err := e.pruneArchives(ctx, dir, archive.KindQuota); err != nil {
		errs = append(errs, err)
	}
	return paths, stderrors.Join(errs...)
}

// pruneArchives applies the archive retention to dir. Nothing is removed in
// dry run or without a retention.
func (e *Engine) pruneArchives(ctx context.Context, dir string, kind archive.Kind) error {
	if e.dryRun || e.cfg.Archive.Retention <= 0 {
		return nil
	}
	opts := []cleanup.Option{cleanup.WithClock(e.clock), cleanup.WithLogger(e.logger)}
	if e.deps.Metrics != nil {
		opts = append(opts, cleanup.WithMetrics(e.deps.Metrics))
	}
	_, err := cleanup.NewCleaner(opts...).Apply(ctx, cleanup.RetentionPolicy{
		Dir:             dir,
		Kind:            kind,
		RetentionPeriod: e.cfg.Archive.Retention,
	})
	return err
}
