package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
)

// getSchedulerStatus handles GET /api/v1/scheduler/status
func (h *Handler) getSchedulerStatus(c *gin.Context) {
	status, err := h.deps.Scheduler.GetSchedulerStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}

	resp := gin.H{"status": status}
	if h.deps.Runner != nil {
		resp["runner"] = h.deps.Runner.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// runCycle handles POST /api/v1/scheduler/run
func (h *Handler) runCycle(c *gin.Context) {
	summary, err := h.deps.Scheduler.RunCycle(c.Request.Context())
	if err != nil {
		respondError(c, err, "run publish cycle")
		return
	}
	c.JSON(http.StatusOK, summary)
}

type createPostRequest struct {
	Platforms    []string  `binding:"required,min=1" json:"platforms"`
	AccountIDs   []string  `binding:"required,min=1" json:"account_ids"`
	Content      string    `json:"content"`
	CreatedBy    string    `json:"created_by"`
	ScheduledFor time.Time `binding:"required"       json:"scheduled_for"`
	Draft        bool      `json:"draft"`
}

// createPost handles POST /api/v1/posts
func (h *Handler) createPost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleValidationError(c, err)
		return
	}

	item := &domain.ScheduledItem{
		ID:           uuid.NewString(),
		Platforms:    normalizeList(req.Platforms),
		AccountIDs:   req.AccountIDs,
		Content:      req.Content,
		CreatedBy:    req.CreatedBy,
		ScheduledFor: req.ScheduledFor.UTC(),
		Status:       domain.ItemStatusScheduled,
	}
	if req.Draft {
		item.Status = domain.ItemStatusDraft
	}
	if claims, ok := GetClaims(c); ok && item.CreatedBy == "" {
		item.CreatedBy = claims.Sub
	}
	if err := item.Validate(); err != nil {
		respondError(c, err, "create post")
		return
	}

	if err := h.deps.Posts.Create(c.Request.Context(), item); err != nil {
		respondError(c, err, "create post")
		return
	}
	c.JSON(http.StatusCreated, item)
}

// getPost handles GET /api/v1/posts/:id
func (h *Handler) getPost(c *gin.Context) {
	item, err := h.deps.Posts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get post")
		return
	}
	c.JSON(http.StatusOK, item)
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
