package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// Platform headers identifying the capturing client
const (
	headerPlatform        = "X-Platform"
	headerPlatformVersion = "X-Platform-Version"
)

// InteractionHandler serves interaction capture and listing
type InteractionHandler struct {
	interactions services.InteractionService
}

// NewInteractionHandler creates the interaction handler
func NewInteractionHandler(interactions services.InteractionService) *InteractionHandler {
	return &InteractionHandler{interactions: interactions}
}

type captureBody struct {
	models.CaptureInteractionRequest
	CompanyID string `json:"company_id,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// CaptureInteraction handles POST /api/v1/interactions
func (h *InteractionHandler) CaptureInteraction(c *gin.Context) {
	var body captureBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if body.UserText == "" && body.AssistantText == "" {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest,
			"at least one of user_text or assistant_text is required")
		return
	}

	tenant, ok := requireTenant(c, tenantFallback{
		CompanyID: body.CompanyID,
		AppID:     body.AppID,
		UserID:    body.UserID,
		SessionID: body.SessionID,
	})
	if !ok {
		return
	}

	interaction, err := h.interactions.CaptureInteraction(
		c.Request.Context(),
		&body.CaptureInteractionRequest,
		tenant,
		c.GetHeader(headerPlatform),
		c.GetHeader(headerPlatformVersion),
	)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusCreated, interaction)
}

// ListInteractions handles GET /api/v1/interactions
func (h *InteractionHandler) ListInteractions(c *gin.Context) {
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 20, 100)
	offset := intQuery(c, "offset", 0, 1<<30)
	sessionID := c.Query("session_id")

	interactions, total, err := h.interactions.ListInteractions(c.Request.Context(), tenant, sessionID, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interactions": interactions,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}
