package logx

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const RequestIDHeader = "X-Request-ID"

// GinMiddleware attaches a request-scoped logger to the request context and
// logs one line per request. An incoming X-Request-ID is kept.
func GinMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = NewRequestID()
		}
		c.Header(RequestIDHeader, reqID)

		logger := base.With(
			"req_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote_addr", c.ClientIP(),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), logger))

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http_request",
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user_agent", c.Request.UserAgent(),
		)
	}
}
