package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const defaultOptedOutLimit = 1000

// getConsent handles GET /api/v1/consent/:destination
func (h *Handler) getConsent(c *gin.Context) {
	state, err := h.deps.Consent.Status(c.Request.Context(), c.Param("destination"))
	if err != nil {
		respondError(c, err, "get consent status")
		return
	}
	c.JSON(http.StatusOK, state)
}

// validateCompliance handles GET /api/v1/consent/:destination/compliance
func (h *Handler) validateCompliance(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Consent.ValidateCompliance(c.Request.Context(), c.Param("destination")))
}

type optInRequest struct {
	LeadID string `json:"lead_id"`
	Method string `json:"method"`
}

// optIn handles POST /api/v1/consent/:destination/opt-in
func (h *Handler) optIn(c *gin.Context) {
	var req optInRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	dest := c.Param("destination")
	if err := h.deps.Consent.OptIn(c.Request.Context(), dest, req.LeadID, req.Method); err != nil {
		respondError(c, err, "opt in")
		return
	}
	h.respondConsentState(c, dest)
}

type optOutRequest struct {
	Reason string `json:"reason"`
}

// optOut handles POST /api/v1/consent/:destination/opt-out
func (h *Handler) optOut(c *gin.Context) {
	var req optOutRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	dest := c.Param("destination")
	if err := h.deps.Consent.OptOut(c.Request.Context(), dest, req.Reason); err != nil {
		respondError(c, err, "opt out")
		return
	}
	h.respondConsentState(c, dest)
}

type unsubscribeRequest struct {
	Keyword string `binding:"required" json:"keyword"`
}

// unsubscribe handles POST /api/v1/consent/:destination/unsubscribe
func (h *Handler) unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleValidationError(c, err)
		return
	}
	dest := c.Param("destination")
	if err := h.deps.Consent.HandleUnsubscribeKeyword(c.Request.Context(), dest, req.Keyword); err != nil {
		respondError(c, err, "handle unsubscribe keyword")
		return
	}
	h.respondConsentState(c, dest)
}

// reConsent handles POST /api/v1/consent/:destination/reconsent
func (h *Handler) reConsent(c *gin.Context) {
	dest := c.Param("destination")
	if err := h.deps.Consent.ReConsent(c.Request.Context(), dest); err != nil {
		respondError(c, err, "re-consent")
		return
	}
	h.respondConsentState(c, dest)
}

// listOptedOut handles GET /api/v1/consent/opted-out
func (h *Handler) listOptedOut(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultOptedOutLimit)
	if !ok {
		return
	}
	records, err := h.deps.Consent.ListOptedOut(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, "list opted-out destinations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// listBlocked handles GET /api/v1/consent/blocked
func (h *Handler) listBlocked(c *gin.Context) {
	records, err := h.deps.Consent.ListBlocked(c.Request.Context())
	if err != nil {
		respondError(c, err, "list blocked destinations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (h *Handler) respondConsentState(c *gin.Context, destination string) {
	state, err := h.deps.Consent.Status(c.Request.Context(), destination)
	if err != nil {
		respondError(c, err, "get consent status")
		return
	}
	c.JSON(http.StatusOK, state)
}

// bindOptionalJSON binds a body when one was sent.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		handleValidationError(c, err)
		return false
	}
	return true
}
