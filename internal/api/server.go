// Package api serves the daemon status endpoints: health, Prometheus
// metrics and the run history.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/models"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// RunHistory reads the stored check runs.
type RunHistory interface {
	ListRuns(ctx context.Context, storage string, limit int) ([]models.RunRecord, error)
	LatestRuns(ctx context.Context) ([]models.RunRecord, error)
}

// Server represents the HTTP status server
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	runs       RunHistory
	metrics    *metrics.Metrics
	logger     *logging.Logger
	trigger    func() bool
	httpServer *http.Server
	started    time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTrigger enables POST /api/v1/check. fn returns false when a run is
// already queued.
func WithTrigger(fn func() bool) Option {
	return func(s *Server) {
		s.trigger = fn
	}
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new status server.
func NewServer(cfg config.ServerConfig, runs RunHistory, m *metrics.Metrics, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router:  gin.New(),
		config:  cfg,
		runs:    runs,
		metrics: m,
		logger:  logging.Nop(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	if m != nil {
		server.router.Use(metrics.Middleware(m, server.logger))
	}
	server.router.Use(loggingMiddleware(server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware tags every request with a run id and logs its outcome.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		runID := c.GetHeader("X-Request-ID")
		if runID == "" {
			runID = logging.GenerateRunID()
		}
		ctx := logging.WithRunID(c.Request.Context(), runID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", runID)

		c.Next()

		logger.DebugWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/latest", s.handleLatestRuns)
		if s.trigger != nil {
			v1.POST("/check", s.handleTrigger)
		}
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return &errors.ErrServerShutdown{Err: err}
	}
	return nil
}

// handleHealth reports "degraded" when the latest run of any storage failed.
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	var failed []string
	if s.runs != nil {
		latest, err := s.runs.LatestRuns(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		for _, run := range latest {
			if run.Status == models.RunFailed {
				failed = append(failed, run.Storage)
			}
		}
	}
	if len(failed) > 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"timestamp":       time.Now().UTC(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"failed_storages": failed,
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history not available"})
		return
	}

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), c.Query("storage"), limit)
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "list runs failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []models.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleLatestRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history not available"})
		return
	}

	runs, err := s.runs.LatestRuns(c.Request.Context())
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "latest runs failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []models.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleTrigger(c *gin.Context) {
	if !s.trigger() {
		c.JSON(http.StatusConflict, gin.H{"status": "already queued"})
		return
	}
	s.logger.InfoWithContext(c.Request.Context(), "check run requested over HTTP", "client", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
