package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/errorlog"
)

const (
	defaultLogLimit      = 50
	defaultSummaryWindow = time.Hour
)

// getRecentLogs handles GET /api/v1/logs
func (h *Handler) getRecentLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultLogLimit)
	if !ok {
		return
	}
	entries := h.deps.Events.Recent(limit, errorlog.Filter{
		Operation: domain.Operation(c.Query("operation")),
		Platform:  c.Query("platform"),
		Status:    domain.LogStatus(c.Query("status")),
	})
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// getErrorSummary handles GET /api/v1/logs/summary
func (h *Handler) getErrorSummary(c *gin.Context) {
	window, ok := queryDuration(c, "window", defaultSummaryWindow)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.deps.Events.ErrorSummary(window))
}

// getOperationMetrics handles GET /api/v1/logs/metrics
func (h *Handler) getOperationMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Events.OperationMetrics(domain.Operation(c.Query("operation"))))
}

// getErrorReport handles GET /api/v1/logs/report/:platform
func (h *Handler) getErrorReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Events.ErrorReport(c.Param("platform"), c.Query("account_id")))
}
