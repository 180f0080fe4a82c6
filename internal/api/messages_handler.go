package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

const defaultReportLimit = 100

// createMessage handles POST /api/v1/messages
func (h *Handler) createMessage(c *gin.Context) {
	var req domain.NewMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		handleValidationError(c, err)
		return
	}
	msg, err := h.deps.Messages.CreateMessage(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "create message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// getMessage handles GET /api/v1/messages/:id
func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.deps.Messages.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// getMessageHistory handles GET /api/v1/messages/:id/history
func (h *Handler) getMessageHistory(c *gin.Context) {
	history, err := h.deps.Messages.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get message history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history)})
}

type statusUpdateRequest struct {
	Status            string          `binding:"required" json:"status"`
	At                *time.Time      `json:"at"`
	Reason            string          `json:"reason"`
	ProviderMessageID string          `json:"provider_message_id"`
	Metadata          domain.Metadata `json:"metadata"`
}

// updateMessageStatus handles POST /api/v1/messages/:id/status
func (h *Handler) updateMessageStatus(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleValidationError(c, err)
		return
	}

	status, err := domain.ParseMessageStatus(req.Status)
	if err != nil {
		respondError(c, err, "update message status")
		return
	}
	var at time.Time
	if req.At != nil {
		at = req.At.UTC()
	}
	update, err := domain.StatusUpdateFor(status, at, req.Reason, req.ProviderMessageID)
	if err != nil {
		respondError(c, err, "update message status")
		return
	}

	msg, err := h.deps.Messages.UpdateStatus(c.Request.Context(), c.Param("id"), update, req.Metadata)
	if err != nil {
		respondError(c, err, "update message status")
		return
	}
	c.JSON(http.StatusOK, msg)
}

type failureRequest struct {
	Reason string `binding:"required" json:"reason"`
}

// logMessageFailure handles POST /api/v1/messages/:id/failure
func (h *Handler) logMessageFailure(c *gin.Context) {
	var req failureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleValidationError(c, err)
		return
	}
	msg, err := h.deps.Messages.LogFailure(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err, "log message failure")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// markMessageForRetry handles POST /api/v1/messages/:id/retry
func (h *Handler) markMessageForRetry(c *gin.Context) {
	maxRetries, ok := queryInt(c, "max_retries", h.deps.MessageMaxRetries)
	if !ok {
		return
	}
	scheduled, err := h.deps.Messages.MarkForRetry(c.Request.Context(), c.Param("id"), maxRetries)
	if err != nil {
		respondError(c, err, "mark message for retry")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "scheduled": scheduled})
}

// getPendingRetries handles GET /api/v1/messages/retries
func (h *Handler) getPendingRetries(c *gin.Context) {
	messages, err := h.deps.Messages.GetPendingRetries(c.Request.Context())
	if err != nil {
		respondError(c, err, "list pending retries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// getBulkStatus handles GET /api/v1/messages/batches/:batch_id
func (h *Handler) getBulkStatus(c *gin.Context) {
	status, err := h.deps.Messages.GetBulkStatus(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		respondError(c, err, "get batch status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// getDeliveryReport handles GET /api/v1/reports/delivery
func (h *Handler) getDeliveryReport(c *gin.Context) {
	filter, ok := parseMessageFilter(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultReportLimit)
	if !ok {
		return
	}
	report, err := h.deps.Messages.GetDeliveryReport(c.Request.Context(), filter, limit)
	if err != nil {
		respondError(c, err, "build delivery report")
		return
	}
	c.JSON(http.StatusOK, report)
}

// getStatistics handles GET /api/v1/reports/statistics
func (h *Handler) getStatistics(c *gin.Context) {
	start, ok := queryTime(c, "start")
	if !ok {
		return
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return
	}
	var r delivery.DateRange
	if start != nil {
		r.Start = *start
	}
	if end != nil {
		r.End = *end
	}
	stats, err := h.deps.Messages.GetStatistics(c.Request.Context(), r)
	if err != nil {
		respondError(c, err, "build statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseMessageFilter(c *gin.Context) (domain.MessageFilter, bool) {
	var f domain.MessageFilter
	start, ok := queryTime(c, "start")
	if !ok {
		return f, false
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return f, false
	}
	f.Start, f.End = start, end

	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseMessageStatus(raw)
		if err != nil {
			respondError(c, err, "parse status")
			return f, false
		}
		f.Status = status
	}
	f.SentBy = c.Query("sent_by")
	f.BatchID = c.Query("batch_id")
	f.Channel = c.Query("channel")
	return f, true
}
