package store

import (
	"context"
	"time"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
)

// RecordRun stores the outcome of one storage in a run and sets its ID.
func (s *DB) RecordRun(ctx context.Context, run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, storage, filesystem, started_at, finished_at, status, error, exceeding_users, exceeding_filesets, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Storage, run.Filesystem, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		string(run.Status), run.Error, run.ExceedingUsers, run.ExceedingFilesets, run.DryRun)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "record run", Err: err}
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// ListRuns returns the most recent runs first. storage filters when set.
func (s *DB) ListRuns(ctx context.Context, storage string, limit int) ([]models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, run_id, storage, filesystem, started_at, finished_at, status, error, exceeding_users, exceeding_filesets, dry_run
		FROM runs`
	args := []interface{}{}
	if storage != "" {
		query += " WHERE storage = ?"
		args = append(args, storage)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return s.queryRuns(ctx, query, args...)
}

// LatestRuns returns the newest run of every storage.
func (s *DB) LatestRuns(ctx context.Context) ([]models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `
		SELECT id, run_id, storage, filesystem, started_at, finished_at, status, error, exceeding_users, exceeding_filesets, dry_run
		FROM runs
		WHERE id IN (SELECT MAX(id) FROM runs GROUP BY storage)
		ORDER BY storage
	`)
}

func (s *DB) queryRuns(ctx context.Context, query string, args ...interface{}) ([]models.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var (
			run               models.RunRecord
			started, finished int64
			status            string
		)
		if err := rows.Scan(&run.ID, &run.RunID, &run.Storage, &run.Filesystem, &started, &finished,
			&status, &run.Error, &run.ExceedingUsers, &run.ExceedingFilesets, &run.DryRun); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan run", Err: err}
		}
		run.StartedAt = time.Unix(0, started)
		run.FinishedAt = time.Unix(0, finished)
		run.Status = models.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list runs", Err: err}
	}
	return runs, nil
}

// PruneRuns deletes runs started before cutoff and returns how many went.
func (s *DB) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "prune runs", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
