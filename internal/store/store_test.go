package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "state", "quotawatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotawatch.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.ReplaceCache(context.Background(), "kyukondata_users", map[string]models.CacheEntry{
		"vsc40075": {Value: json.RawMessage(`{"kind":"user"}`), UpdatedAt: time.Unix(100, 5)},
	}))
	require.NoError(t, db.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	entries, err := db.LoadCache(context.Background(), "kyukondata_users")
	require.NoError(t, err)
	require.Contains(t, entries, "vsc40075")
	assert.JSONEq(t, `{"kind":"user"}`, string(entries["vsc40075"].Value))
	assert.True(t, entries["vsc40075"].UpdatedAt.Equal(time.Unix(100, 5)))
}

func TestDB_ReplaceCacheIsolatesNames(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	empty, err := db.LoadCache(ctx, "kyukondata_users")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, db.ReplaceCache(ctx, "kyukondata_users", map[string]models.CacheEntry{
		"a": {Value: json.RawMessage(`1`), UpdatedAt: time.Unix(1, 0)},
		"b": {Value: json.RawMessage(`2`), UpdatedAt: time.Unix(2, 0)},
	}))
	require.NoError(t, db.ReplaceCache(ctx, "kyukondata_filesets", map[string]models.CacheEntry{
		"gvo00002": {Value: json.RawMessage(`3`), UpdatedAt: time.Unix(3, 0)},
	}))

	// replace drops keys missing from the new map
	require.NoError(t, db.ReplaceCache(ctx, "kyukondata_users", map[string]models.CacheEntry{
		"b": {Value: json.RawMessage(`22`), UpdatedAt: time.Unix(4, 0)},
	}))

	users, err := db.LoadCache(ctx, "kyukondata_users")
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, "22", string(users["b"].Value))

	filesets, err := db.LoadCache(ctx, "kyukondata_filesets")
	require.NoError(t, err)
	assert.Len(t, filesets, 1)

	require.NoError(t, db.ClearCache(ctx, "kyukondata_filesets"))
	filesets, err = db.LoadCache(ctx, "kyukondata_filesets")
	require.NoError(t, err)
	assert.Empty(t, filesets)
}

func TestDB_Runs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	base := time.Unix(1700000000, 0)
	runs := []*models.RunRecord{
		{RunID: "r1", Storage: "VSC_DATA", Filesystem: "kyukondata", StartedAt: base, FinishedAt: base.Add(time.Second), Status: models.RunSucceeded, ExceedingUsers: 3},
		{RunID: "r1", Storage: "VSC_SCRATCH", Filesystem: "kyukonscratch", StartedAt: base, FinishedAt: base.Add(time.Second), Status: models.RunFailed, Error: "boom"},
		{RunID: "r2", Storage: "VSC_DATA", Filesystem: "kyukondata", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour), Status: models.RunSucceeded, ExceedingFilesets: 1, DryRun: true},
	}
	for _, r := range runs {
		require.NoError(t, db.RecordRun(ctx, r))
		assert.NotZero(t, r.ID)
	}

	all, err := db.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r2", all[0].RunID)
	assert.True(t, all[0].DryRun)
	assert.Equal(t, 1, all[0].ExceedingFilesets)

	data, err := db.ListRuns(ctx, "VSC_DATA", 1)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "r2", data[0].RunID)

	latest, err := db.LatestRuns(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "VSC_DATA", latest[0].Storage)
	assert.Equal(t, "r2", latest[0].RunID)
	assert.Equal(t, models.RunFailed, latest[1].Status)
	assert.Equal(t, "boom", latest[1].Error)
	assert.True(t, latest[1].StartedAt.Equal(base))

	n, err := db.PruneRuns(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err = db.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileCache(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "caches")
	c := NewFileCache(dir)

	entries, err := c.LoadCache(ctx, "kyukondata_users")
	require.NoError(t, err)
	assert.Empty(t, entries)

	want := map[string]models.CacheEntry{
		"vsc40075": {Value: json.RawMessage(`{"kind":"user","filesets":[]}`), UpdatedAt: time.Unix(1700000000, 0).UTC()},
	}
	require.NoError(t, c.ReplaceCache(ctx, "kyukondata_users", want))
	assert.FileExists(t, filepath.Join(dir, ".quota_kyukondata_users_cache.json.gz"))

	got, err := c.LoadCache(ctx, "kyukondata_users")
	require.NoError(t, err)
	require.Contains(t, got, "vsc40075")
	assert.JSONEq(t, string(want["vsc40075"].Value), string(got["vsc40075"].Value))
	assert.True(t, got["vsc40075"].UpdatedAt.Equal(want["vsc40075"].UpdatedAt))

	require.NoError(t, c.ClearCache(ctx, "kyukondata_users"))
	require.NoError(t, c.ClearCache(ctx, "kyukondata_users"))
	assert.NoFileExists(t, c.Path("kyukondata_users"))
}

func TestFileCache_Corrupt(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(dir)
	require.NoError(t, os.WriteFile(c.Path("x"), []byte("not gzip"), 0644))

	_, err := c.LoadCache(context.Background(), "x")
	assert.Error(t, err)
}
