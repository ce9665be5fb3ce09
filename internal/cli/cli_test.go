package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/archive"
	"github.com/quotawatch/quotawatch/internal/engine"
	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/quota"
)

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, RootCmd)
	assert.Equal(t, "quotawatch", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "QuotaWatch")

	InitCLI()
	names := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"check", "inodes", "snapshot", "serve", "history", "cache", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

// accountPage is a fake account page API recording usage pushes.
type accountPage struct {
	mu       sync.Mutex
	pushes   map[string]int
	failPuts bool
}

func (p *accountPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.Method == http.MethodPut:
		if p.failPuts {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		var payload []models.Usage
		_ = json.NewDecoder(r.Body).Decode(&payload)
		p.pushes[r.URL.Path] += len(payload)
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(r.URL.Path, "/api/account/"):
		login := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/account/"), "/")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"vsc_id": login,
			"email":  login + "@example.org",
			"person": map[string]string{"gecos": "User " + login},
		})
	case strings.HasPrefix(r.URL.Path, "/api/vo/"):
		vo := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/vo/"), "/")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"vsc_id":     vo,
			"moderators": []string{"vsc40075"},
		})
	default:
		http.NotFound(w, r)
	}
}

func (p *accountPage) pushed() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.pushes))
	for k, v := range p.pushes {
		out[k] = v
	}
	return out
}

type env struct {
	dir        string
	configPath string
	page       *accountPage
}

func quotaRow(fs, kind, id, fid string, usage int64, grace string, files int64) gpfs.QuotaRow {
	return gpfs.QuotaRow{
		Filesystem: fs,
		QuotaType:  kind,
		ID:         id,
		BlockUsage: usage,
		BlockQuota: 100,
		BlockLimit: 200,
		BlockGrace: grace,
		FilesUsage: files,
		FilesGrace: "none",
		FilesetID:  fid,
	}
}

// newEnv writes archived snapshots of one filesystem, starts the account
// page and writes a configuration reading the snapshots.
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	snapshots := filepath.Join(dir, "snapshots")
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	qm := gpfs.NewQuotaMap()
	qm.Add(quotaRow("kyukondata", gpfs.QuotaUser, "2540075", "1", 301, "expired", 10))
	qm.Add(quotaRow("kyukondata", gpfs.QuotaUser, "2540075", "2", 50, "none", 5))
	qm.Add(quotaRow("kyukondata", gpfs.QuotaUser, "2540076", "1", 10, "none", 1))
	qm.Add(quotaRow("kyukondata", gpfs.QuotaFileset, "2", "", 500, "expired", 95))
	_, err := archive.WriteQuota(snapshots, "kyukondata", qm, ts)
	require.NoError(t, err)

	_, err = archive.WriteInodes(snapshots, "kyukondata", map[string]gpfs.FilesetInfo{
		"0": {Name: "root"},
		"1": {Name: "vsc400", MaxInodes: 1000, AllocInodes: 900},
		"2": {Name: "gvo00002", MaxInodes: 100, AllocInodes: 100},
	}, ts)
	require.NoError(t, err)

	page := &accountPage{pushes: map[string]int{}}
	srv := httptest.NewServer(page)
	t.Cleanup(srv.Close)

	cfgYAML := fmt.Sprintf(`
version: "1"
logging:
  level: error
storages:
  - name: VSC_DATA
    filesystem: kyukondata
    user_fileset: vsc400
gpfs:
  snapshot_dir: %[1]s/snapshots
account_page:
  url: %[2]s/api/
database:
  path: %[1]s/quotawatch.db
archive:
  quota_dir: %[1]s/quota
inodes:
  archive_dir: %[1]s/inodes
metrics:
  textfile: %[1]s/quotawatch.prom
lock_file: %[1]s/quotawatch.lock
`, dir, srv.URL)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfgYAML), 0600))

	prev := userResolver
	userResolver = quota.StaticUsers{"2540075": "vsc40075", "2540076": "vsc40076"}
	t.Cleanup(func() { userResolver = prev })

	return &env{dir: dir, configPath: configPath, page: page}
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args and returns what it wrote to stdout.
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	InitCLI()
	resetFlags(RootCmd)
	globalFlags = GlobalFlags{}
	checkFlags.Storages = nil
	historyFlags.Storage, historyFlags.Limit = "", 20
	cacheFlags.Storage, cacheFlags.Target = "", "users"

	out := new(bytes.Buffer)
	RootCmd.SetOut(out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := RootCmd.Execute()
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "check", "--json")
	require.NoError(t, err)

	var report engine.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, models.RunSucceeded, res.Run.Status)
	assert.Equal(t, 1, res.Run.ExceedingUsers)
	assert.Equal(t, 1, res.Run.ExceedingFilesets)
	assert.Equal(t, 1, res.NotifiedUsers)
	assert.Equal(t, 1, res.NotifiedFilesets)

	assert.Equal(t, map[string]int{
		"/api/usage/storage/VSC_DATA/user/size/":        2,
		"/api/usage/storage/VSC_DATA_SHARED/user/size/": 1,
		"/api/usage/storage/VSC_DATA/vo/size/":          1,
	}, e.page.pushed())

	assert.FileExists(t, filepath.Join(e.dir, "quotawatch.prom"))

	out, err = e.run(t, "history", "--json")
	require.NoError(t, err)
	var runs []models.RunRecord
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].RunID)
}

func TestCheckCommandTable(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "check", "--storage", "VSC_DATA")
	require.NoError(t, err)
	assert.Contains(t, out, "STORAGE")
	assert.Contains(t, out, "VSC_DATA")
	assert.Contains(t, out, "succeeded")
}

func TestCheckCommandPushFailure(t *testing.T) {
	e := newEnv(t)
	e.page.failPuts = true

	out, err := e.run(t, "check", "--json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota check failed")

	var report engine.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, models.RunFailed, report.Results[0].Run.Status)
	assert.NotEmpty(t, report.Results[0].Run.Error)
}

func TestCheckCommandUnknownStorage(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "check", "--storage", "VSC_HOME")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage")
}

func TestCheckCommandMissingConfig(t *testing.T) {
	e := newEnv(t)
	e.configPath = filepath.Join(e.dir, "missing.yaml")

	_, err := e.run(t, "check")
	require.Error(t, err)
}

func TestCacheCommands(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "check")
	require.NoError(t, err)

	out, err := e.run(t, "cache", "show", "--storage", "VSC_DATA", "--json")
	require.NoError(t, err)
	var rows []cacheRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "vsc40075", rows[0].Key)

	out, err = e.run(t, "cache", "show", "--storage", "VSC_DATA", "--target", "filesets", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "gvo00002", rows[0].Key)

	out, err = e.run(t, "cache", "clear", "--storage", "VSC_DATA")
	require.NoError(t, err)
	assert.Contains(t, out, "kyukondata_users cleared")

	out, err = e.run(t, "cache", "show", "--storage", "VSC_DATA")
	require.NoError(t, err)
	assert.Contains(t, out, "is empty")
}

func TestCacheCommandValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "cache", "show", "--storage", "VSC_HOME")
	assert.ErrorContains(t, err, "unknown storage")

	_, err = e.run(t, "cache", "show", "--storage", "VSC_DATA", "--target", "groups")
	assert.ErrorContains(t, err, "target must be")

	_, err = e.run(t, "cache", "clear")
	assert.Error(t, err)
}

func TestInodesCommand(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "inodes", "--json")
	require.NoError(t, err)

	var report map[string]map[string]models.InodeCritical
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Contains(t, report, "kyukondata")
	assert.Contains(t, report["kyukondata"], "gvo00002")
	assert.NotContains(t, report["kyukondata"], "vsc400")

	entries, err := os.ReadDir(filepath.Join(e.dir, "inodes"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSnapshotCommand(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "snapshot", "--json")
	require.NoError(t, err)

	var paths []string
	require.NoError(t, json.Unmarshal([]byte(out), &paths))
	require.Len(t, paths, 1)
	assert.FileExists(t, paths[0])
	assert.Contains(t, filepath.Base(paths[0]), "gpfs_quota_")

	_, err = e.run(t, "snapshot", "--dry-run")
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(e.dir, "quota"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDryRunLeavesNoTrace(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "check", "--dry-run")
	require.NoError(t, err)
	assert.Empty(t, e.page.pushed())
	assert.NoFileExists(t, filepath.Join(e.dir, "quotawatch.prom"))

	out, err := e.run(t, "cache", "show", "--storage", "VSC_DATA")
	require.NoError(t, err)
	assert.Contains(t, out, "is empty")
}

func TestVersionCommandJSON(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "version", "--json")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version, info.Version)
}

func TestDaemonTriggerAndSchedule(t *testing.T) {
	e := newEnv(t)
	InitCLI()
	globalFlags = GlobalFlags{Config: e.configPath}

	_, cfg, err := loadConfig()
	require.NoError(t, err)
	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	d := newDaemon(a)
	require.NoError(t, d.schedule(cfg))
	assert.Len(t, d.cron.Entries(), 1)

	cfg.Server.InodeSchedule = "@daily"
	require.NoError(t, d.schedule(cfg))
	assert.Len(t, d.cron.Entries(), 2)

	assert.True(t, d.TriggerCheck())
	assert.False(t, d.TriggerCheck())
}
