package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/store"
)

func setupTestServer(t *testing.T, opts ...Option) (*Server, *store.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.ServerConfig{Host: "127.0.0.1", HTTPPort: 9318}
	return NewServer(cfg, db, metrics.NewMetrics("quotawatch_test"), opts...), db
}

func recordRun(t *testing.T, db *store.DB, storage string, status models.RunStatus, started time.Time) {
	t.Helper()
	run := &models.RunRecord{
		RunID:      fmt.Sprintf("run-%s-%d", storage, started.Unix()),
		Storage:    storage,
		Filesystem: "kyukondata",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Status:     status,
	}
	if status == models.RunFailed {
		run.Error = "mmrepquota failed"
	}
	require.NoError(t, db.RecordRun(context.Background(), run))
}

type runsResponse struct {
	Runs  []models.RunRecord `json:"runs"`
	Count int                `json:"count"`
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	server, db := setupTestServer(t)

	w := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	now := time.Now().UTC().Truncate(time.Second)
	recordRun(t, db, "VSC_DATA", models.RunSucceeded, now)
	recordRun(t, db, "VSC_SCRATCH", models.RunFailed, now)

	w = get(t, server, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status         string   `json:"status"`
		FailedStorages []string `json:"failed_storages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []string{"VSC_SCRATCH"}, body.FailedStorages)
}

func TestHandleListRuns(t *testing.T) {
	server, db := setupTestServer(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		recordRun(t, db, "VSC_DATA", models.RunSucceeded, base.Add(time.Duration(i)*time.Hour))
	}
	recordRun(t, db, "VSC_SCRATCH", models.RunFailed, base)

	w := get(t, server, "/api/v1/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var all runsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 4, all.Count)

	w = get(t, server, "/api/v1/runs?storage=VSC_DATA&limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var filtered runsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	require.Len(t, filtered.Runs, 2)
	for _, run := range filtered.Runs {
		assert.Equal(t, "VSC_DATA", run.Storage)
	}
	assert.True(t, filtered.Runs[0].StartedAt.After(filtered.Runs[1].StartedAt))
}

func TestHandleListRunsBadLimit(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		w := get(t, server, "/api/v1/runs?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestHandleListRunsEmpty(t *testing.T) {
	server, _ := setupTestServer(t)

	w := get(t, server, "/api/v1/runs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":[]`)
}

func TestHandleLatestRuns(t *testing.T) {
	server, db := setupTestServer(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	recordRun(t, db, "VSC_DATA", models.RunFailed, base)
	recordRun(t, db, "VSC_DATA", models.RunSucceeded, base.Add(time.Hour))
	recordRun(t, db, "VSC_SCRATCH", models.RunSucceeded, base)

	w := get(t, server, "/api/v1/runs/latest")
	require.Equal(t, http.StatusOK, w.Code)

	var resp runsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)
	for _, run := range resp.Runs {
		assert.Equal(t, models.RunSucceeded, run.Status, run.Storage)
	}
}

func TestHandleTrigger(t *testing.T) {
	queued := false
	server, _ := setupTestServer(t, WithTrigger(func() bool {
		if queued {
			return false
		}
		queued = true
		return true
	}))

	post := func() int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/check", strings.NewReader(""))
		server.Router().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, post())
	assert.Equal(t, http.StatusConflict, post())
}

func TestTriggerDisabled(t *testing.T) {
	server, _ := setupTestServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/check", nil)
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	_ = get(t, server, "/health")
	w := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "quotawatch_test_http_requests_total")
}

func TestShutdownWithoutRun(t *testing.T) {
	server, _ := setupTestServer(t)
	assert.NoError(t, server.Shutdown(context.Background()))
}
