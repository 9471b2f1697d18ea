package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/escrow"
	"github.com/mbd888/receiptescrow/internal/health"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/ratelimit"
	"github.com/mbd888/receiptescrow/internal/reconciliation"
	"github.com/mbd888/receiptescrow/internal/security"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", probe(&s.healthy, "alive", "unhealthy"))
	s.router.GET("/health/ready", probe(&s.ready, "ready", "not_ready"))
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	v1 := s.router.Group("/v1")
	if s.cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		v1.Use(s.rateLimiter.Middleware())
	}

	h := escrow.NewHandler(s.escrowService)
	h.RegisterRoutes(v1)

	// open without a secret outside production
	admin := v1.Group("/admin", security.RequireAdminSecret(s.cfg.AdminSecret, !s.cfg.IsProduction()))
	h.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(admin)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// flag is satisfied by *atomic.Bool.
type flag interface{ Load() bool }

// probe answers 200 with up while f holds, 503 with down otherwise.
func probe(f flag, up, down string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if f.Load() {
			c.JSON(http.StatusOK, gin.H{"status": up})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
	}
}
