package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotawatch/quotawatch/internal/logging"
)

// Middleware records HTTP metrics for each request of the status server.
// Unmatched routes are grouped under a single endpoint label.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error", "path", c.Request.URL.Path, "error", c.Errors.String())
		}
	}
}
