package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// getRateStatus handles GET /api/v1/rate-limits/:actor
func (h *Handler) getRateStatus(c *gin.Context) {
	status, err := h.deps.Limits.Status(c.Request.Context(), c.Param("actor"))
	if err != nil {
		respondError(c, err, "get rate limit status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// checkRate handles GET /api/v1/rate-limits/:actor/check?destination=...
func (h *Handler) checkRate(c *gin.Context) {
	decision, err := h.deps.Limits.CanSendMessage(c.Request.Context(), c.Param("actor"), c.Query("destination"))
	if err != nil {
		respondError(c, err, "check rate limit")
		return
	}
	c.JSON(http.StatusOK, decision)
}

type pauseRequest struct {
	Reason   string     `json:"reason"`
	ResumeAt *time.Time `json:"resume_at"`
}

// pauseMessaging handles POST /api/v1/rate-limits/:actor/pause
func (h *Handler) pauseMessaging(c *gin.Context) {
	var req pauseRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.ResumeAt != nil && !req.ResumeAt.After(h.now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resume_at must be in the future"})
		return
	}

	actor := c.Param("actor")
	if err := h.deps.Limits.PauseMessaging(c.Request.Context(), actor, req.Reason, req.ResumeAt); err != nil {
		respondError(c, err, "pause messaging")
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor, "paused": true, "resume_at": req.ResumeAt})
}

// resumeMessaging handles POST /api/v1/rate-limits/:actor/resume
func (h *Handler) resumeMessaging(c *gin.Context) {
	actor := c.Param("actor")
	if err := h.deps.Limits.ResumeMessaging(c.Request.Context(), actor); err != nil {
		respondError(c, err, "resume messaging")
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor, "paused": false})
}
