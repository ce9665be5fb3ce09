package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/archive"
)

type mockMetricsRecorder struct {
	pruned map[string]int
}

func (m *mockMetricsRecorder) RecordArchivesPruned(kind string, n int) {
	m.pruned[kind] += n
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
}

func TestRetentionPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr string
	}{
		{name: "valid", policy: RetentionPolicy{Dir: "/tmp", Kind: archive.KindQuota, RetentionPeriod: time.Hour}},
		{name: "no dir", policy: RetentionPolicy{Kind: archive.KindQuota, RetentionPeriod: time.Hour}, wantErr: "dir is required"},
		{name: "bad kind", policy: RetentionPolicy{Dir: "/tmp", Kind: "groups", RetentionPeriod: time.Hour}, wantErr: "unknown snapshot kind"},
		{name: "zero period", policy: RetentionPolicy{Dir: "/tmp", Kind: archive.KindInodes}, wantErr: "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCleanerApply(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	old := archive.Filename(archive.KindQuota, "kyukondata", now.Add(-31*24*time.Hour))
	recent := archive.Filename(archive.KindQuota, "kyukondata", now.Add(-2*24*time.Hour))
	otherKind := archive.Filename(archive.KindInodes, "kyukondata", now.Add(-60*24*time.Hour))
	for _, name := range []string{old, recent, otherKind, "README", "gpfs_quota_garbage.gz"} {
		touch(t, dir, name)
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	m := &mockMetricsRecorder{pruned: map[string]int{}}
	c := NewCleaner(WithClock(clockwork.NewFakeClockAt(now)), WithMetrics(m))

	res, err := c.Apply(context.Background(), RetentionPolicy{Dir: dir, Kind: archive.KindQuota, RetentionPeriod: 30 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, map[string]int{"quota": 1}, m.pruned)

	assert.NoFileExists(t, filepath.Join(dir, old))
	for _, name := range []string{recent, otherKind, "README", "gpfs_quota_garbage.gz"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestCleanerApplyMissingDir(t *testing.T) {
	c := NewCleaner()
	res, err := c.Apply(context.Background(), RetentionPolicy{
		Dir:             filepath.Join(t.TempDir(), "absent"),
		Kind:            archive.KindInodes,
		RetentionPeriod: time.Hour,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestCleanerApplyInvalidPolicy(t *testing.T) {
	_, err := NewCleaner().Apply(context.Background(), RetentionPolicy{})
	assert.Error(t, err)
}
