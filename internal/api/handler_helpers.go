package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/delivery"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

// badRequestErrors are the sentinels that mean the caller sent something wrong.
var badRequestErrors = []error{
	domain.ErrInvalidItem,
	domain.ErrInvalidMessage,
	domain.ErrInvalidStatus,
	domain.ErrEmptyDestination,
	domain.ErrEmptyActor,
	domain.ErrUnknownKeyword,
	domain.ErrInvalidPolicy,
	delivery.ErrInvalidAge,
}

// respondError maps service errors to status codes. Unexpected errors are
// logged with the request logger and reported without detail.
func respondError(c *gin.Context, err error, operation string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	logger.FromContext(c.Request.Context()).Error("Request failed",
		logger.String("operation", operation),
		logger.Error(err),
	)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + operation})
}

// handleValidationError reports a malformed request body.
func handleValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// queryInt parses an integer query parameter, falling back to def when absent.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return v, true
}

// queryTime parses an RFC 3339 query parameter. Absent values yield nil.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter, expected RFC 3339"})
		return nil, false
	}
	return &t, true
}

// queryDuration parses a Go duration query parameter.
func queryDuration(c *gin.Context, name string, def time.Duration) (time.Duration, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return d, true
}
