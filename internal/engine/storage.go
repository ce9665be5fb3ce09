package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/push"
	"github.com/quotawatch/quotawatch/internal/quota"
)

// passResult is what one owner pass over a storage produced.
type passResult struct {
	exceeding int
	pushed    int
	notified  int
	cacheErr  error
}

// checkStorage processes one storage: users first, then filesets. A failure
// in either pass fails the storage but leaves other storages alone.
func (e *Engine) checkStorage(ctx context.Context, storage config.StorageConfig, quotaByFS map[string]gpfs.QuotaMap, index gpfs.FilesetIndex) (StorageResult, error) {
	logger := e.logger.With("storage", storage.Name, "filesystem", storage.Filesystem)
	started := e.clock.Now()

	result := StorageResult{Run: models.RunRecord{
		RunID:      logging.GetRunID(ctx),
		Storage:    storage.Name,
		Filesystem: storage.Filesystem,
		StartedAt:  started,
		Status:     models.RunSucceeded,
		DryRun:     e.dryRun,
	}}

	err := e.processStorage(ctx, logger, storage, quotaByFS, index, &result)

	result.Run.FinishedAt = e.clock.Now()
	if err != nil {
		result.Run.Status = models.RunFailed
		result.Run.Error = err.Error()
		logger.ErrorWithContext(ctx, "storage failed", "error", err)
	} else {
		logger.InfoWithContext(ctx, "storage processed",
			"exceeding_users", result.Run.ExceedingUsers,
			"exceeding_filesets", result.Run.ExceedingFilesets,
			"pushed_users", result.PushedUsers,
			"pushed_vos", result.PushedVOs)
	}

	result.Severity = metrics.StorageSeverity(result.Run.ExceedingUsers, result.Run.ExceedingFilesets)
	if m := e.deps.Metrics; m != nil {
		m.RecordRun(storage.Name, string(result.Run.Status), result.Run.FinishedAt.Sub(started).Seconds(), result.Run.FinishedAt.Unix())
		m.RecordStorageStats(storage.Name, result.Run.ExceedingUsers, result.Run.ExceedingFilesets)
		m.RecordPushed(storage.Name, "user", result.PushedUsers)
		m.RecordPushed(storage.Name, "vo", result.PushedVOs)
		m.RecordNotifications(storage.Name, string(alerts.TargetUsers), "sent", result.NotifiedUsers)
		m.RecordNotifications(storage.Name, string(alerts.TargetFilesets), "sent", result.NotifiedFilesets)
	}
	return result, err
}

func (e *Engine) processStorage(ctx context.Context, logger *logging.Logger, storage config.StorageConfig, quotaByFS map[string]gpfs.QuotaMap, index gpfs.FilesetIndex, result *StorageResult) error {
	qm, ok := quotaByFS[storage.Filesystem]
	if !ok {
		return &errors.ErrStorageRun{
			Storage:    storage.Name,
			Filesystem: storage.Filesystem,
			Err:        fmt.Errorf("no quota reported for filesystem"),
		}
	}

	agg := &quota.Aggregator{
		Storage:           storage.Name,
		Filesystem:        storage.Filesystem,
		ReplicationFactor: storage.ReplicationFactor,
		Index:             index,
		Classifier:        e.classifier,
		Now:               e.clock.Now(),
	}

	users, err := e.processUsers(ctx, logger, storage, agg, qm.Users)
	result.Run.ExceedingUsers = users.exceeding
	result.PushedUsers = users.pushed
	result.NotifiedUsers = users.notified
	result.recordCacheError(users.cacheErr)
	if err != nil {
		return &errors.ErrStorageRun{Storage: storage.Name, Filesystem: storage.Filesystem, Kind: "user", Err: err}
	}

	filesets, err := e.processFilesets(ctx, logger, storage, agg, qm.Filesets)
	result.Run.ExceedingFilesets = filesets.exceeding
	result.PushedVOs = filesets.pushed
	result.NotifiedFilesets = filesets.notified
	result.recordCacheError(filesets.cacheErr)
	if err != nil {
		return &errors.ErrStorageRun{Storage: storage.Name, Filesystem: storage.Filesystem, Kind: "fileset", Err: err}
	}
	return nil
}

func (e *Engine) newSession(storage config.StorageConfig, kind models.OwnerKind, logger *logging.Logger) *push.Session {
	return push.NewSession(e.deps.Transport, storage.Name, kind,
		push.WithBatchSize(e.cfg.AccountPage.BatchSize),
		push.WithSharedSuffix(storage.SharedSuffix),
		push.WithDryRun(e.dryRun),
		push.WithLogger(logger),
	)
}

// closeCache saves the cache. A failed save is logged and does not fail the
// pass; the next run compares against the older entries.
func (e *Engine) closeCache(ctx context.Context, cache *alerts.Cache, logger *logging.Logger) error {
	err := cache.Close(ctx)
	if err != nil {
		logger.ErrorWithContext(ctx, "could not save notification cache", "cache", cache.Name(), "error", err)
	}
	return err
}

func (e *Engine) openCache(ctx context.Context, storage config.StorageConfig, target alerts.Target, logger *logging.Logger) *alerts.Cache {
	return alerts.OpenCache(ctx, e.deps.Caches, alerts.CacheName(storage.Filesystem, target),
		alerts.WithClock(e.clock),
		alerts.WithDryRun(e.dryRun),
		alerts.WithCacheLogger(logger),
	)
}

// processUsers pushes the usage of every user account and notifies the
// exceeding ones. Only filesets a user may see are pushed; records on VO
// filesets go to the shared bucket.
func (e *Engine) processUsers(ctx context.Context, logger *logging.Logger, storage config.StorageConfig, agg *quota.Aggregator, rows map[string][]gpfs.QuotaRow) (res passResult, err error) {
	logger = logger.With("kind", "user")

	entities, err := agg.Users(rows)
	if err != nil {
		return res, err
	}

	session := e.newSession(storage, models.KindUser, logger)
	cache := e.openCache(ctx, storage, alerts.TargetUsers, logger)
	defer func() {
		err = stderrors.Join(err, session.Close(ctx))
		res.pushed, _ = session.Stats()
		res.cacheErr = e.closeCache(ctx, cache, logger)
	}()

	var exceeding []*models.QuotaEntity
	for _, entity := range sortedEntities(entities) {
		if entity.Kind != models.KindUser {
			logger.DebugWithContext(ctx, "skipping non-user account", "uid", entity.OwnerID, "name", entity.OwnerName)
			continue
		}
		if e.classifier.IsIgnored(entity.OwnerName) {
			logger.InfoWithContext(ctx, "not processing ignored account", "name", entity.OwnerName)
			continue
		}

		for _, fileset := range entity.Filesets() {
			if !e.classifier.VisibleToUser(fileset, storage.UserFileset) {
				continue
			}
			shared := e.classifier.IsVOFileset(fileset)
			if err := session.PushQuota(ctx, entity.OwnerName, fileset, entity.Records[fileset], shared); err != nil {
				return res, err
			}
		}

		if entity.Exceeds() {
			logger.WarnWithContext(ctx, "user exceeds quota", "quota", entity.String())
			exceeding = append(exceeding, entity)
		}
	}
	res.exceeding = len(exceeding)

	res.notified, err = alerts.NotifyExceeding(ctx, cache, e.deps.Sender, storage.Name, exceeding, e.cfg.Cache.Threshold, logger)
	return res, err
}

// processFilesets pushes the usage of VO filesets and notifies the owners
// of every exceeding fileset.
func (e *Engine) processFilesets(ctx context.Context, logger *logging.Logger, storage config.StorageConfig, agg *quota.Aggregator, rows map[string][]gpfs.QuotaRow) (res passResult, err error) {
	logger = logger.With("kind", "fileset")

	entities, err := agg.Filesets(rows)
	if err != nil {
		return res, err
	}

	session := e.newSession(storage, models.KindVO, logger)
	cache := e.openCache(ctx, storage, alerts.TargetFilesets, logger)
	defer func() {
		err = stderrors.Join(err, session.Close(ctx))
		res.pushed, _ = session.Stats()
		res.cacheErr = e.closeCache(ctx, cache, logger)
	}()

	var exceeding []*models.QuotaEntity
	for _, entity := range sortedEntities(entities) {
		if entity.Kind == models.KindVO {
			for _, fileset := range entity.Filesets() {
				name := fileset
				if name == "" {
					name = entity.OwnerName
				}
				if err := session.PushQuota(ctx, entity.OwnerName, name, entity.Records[fileset], false); err != nil {
					return res, err
				}
			}
		}

		if entity.Exceeds() {
			logger.WarnWithContext(ctx, "fileset exceeds quota", "quota", entity.String())
			exceeding = append(exceeding, entity)
		}
	}
	res.exceeding = len(exceeding)

	res.notified, err = alerts.NotifyExceeding(ctx, cache, e.deps.Sender, storage.Name, exceeding, e.cfg.Cache.Threshold, logger)
	return res, err
}

func sortedEntities(entities map[string]*models.QuotaEntity) []*models.QuotaEntity {
	out := make([]*models.QuotaEntity, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}
