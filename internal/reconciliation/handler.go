package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/logging"
)

// Handler exposes the audit over HTTP.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up audit routes. They belong behind admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Run)
	r.GET("/reconcile/last", h.Last)
}

// Run handles GET /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "reconciliation_failed",
			"message": "Could not complete reconciliation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

// Last handles GET /v1/admin/reconcile/last
func (h *Handler) Last(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}
