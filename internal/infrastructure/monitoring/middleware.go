package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for admin request metrics
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures RPC dispatch duration
type Timer struct {
	start      time.Time
	metrics    *Metrics
	entrypoint string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, entrypoint string) *Timer {
	return &Timer{
		start:      time.Now(),
		metrics:    metrics,
		entrypoint: entrypoint,
	}
}

// Stop stops the timer and records the dispatch under the given code
func (t *Timer) Stop(code string, rejected bool) {
	t.metrics.RecordDispatch(t.entrypoint, code, time.Since(t.start), rejected)
}
