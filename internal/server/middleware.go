package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/idgen"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/security"
	"github.com/mbd888/receiptescrow/internal/validation"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 64
)

// setupMiddleware installs the global chain. Order matters: the request
// ID must exist before anything logs.
func (s *Server) setupMiddleware() {
	s.router.Use(
		s.requestIDMiddleware(),
		gin.CustomRecovery(recoverJSON),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.AllowedOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		accessLog(),
	)
}

func recoverJSON(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"panic", recovered, "method", c.Request.Method, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// validRequestID accepts caller-supplied IDs made of printable ASCII
// without spaces, so they are safe to echo and log.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// requestIDMiddleware tags the request context with an ID (the caller's,
// when usable) and a logger that carries it.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID(id) {
			id = idgen.RequestID()
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog writes one line per request at a level that follows the
// status class.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if level == slog.LevelError {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed", attrs...)
	}
}
