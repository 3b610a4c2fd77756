package logger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"

	maxRequestIDLen = 128
)

// Middleware assigns a request id, hands the request logger to handlers and
// services, and writes one access line per request. Fields attached further
// down the chain, like the caller's user_id after authentication, end up on
// that line too.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := requestID(c.GetHeader(headerRequestID))
		c.Writer.Header().Set(headerRequestID, rid)
		SetGin(c, l.With("request_id", rid))

		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000,
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		FromGin(c).Log(c.Request.Context(), accessLevel(status, len(c.Errors) > 0), "request", attrs...)
	}
}

// SetGin replaces the request logger on both the gin and the request context.
func SetGin(c *gin.Context, l *slog.Logger) {
	c.Set(ginLoggerKey, l)
	c.Request = c.Request.WithContext(With(c.Request.Context(), l))
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return From(c.Request.Context())
}

// requestID keeps a caller-supplied id unless it is empty or oversized.
func requestID(header string) string {
	rid := strings.TrimSpace(header)
	if rid == "" || len(rid) > maxRequestIDLen {
		return uuid.NewString()
	}
	return rid
}

func accessLevel(status int, hasErrors bool) slog.Level {
	switch {
	case status >= http.StatusInternalServerError || hasErrors:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
