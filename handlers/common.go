// Package handlers holds the HTTP surface: gin handlers over the services
// layer, the shared error envelope, and route registration.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tas-graphrag/auth"
	"github.com/tas-graphrag/models"
)

// errorBody is the envelope every non-2xx response carries
type errorBody struct {
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// Error codes used across the surface
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeMissingTenant        = "MISSING_COMPANY_ID"
	CodeMissingContent       = "MISSING_CONTENT"
	CodeMissingQuery         = "MISSING_QUERY"
	CodeInvalidStrategy      = "INVALID_STRATEGY"
	CodeNotFound             = "NOT_FOUND"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeEmbeddingUnavailable = "EMBEDDING_UNAVAILABLE"
	CodeQueueFull            = "QUEUE_FULL"
	CodeInternal             = "INTERNAL_ERROR"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: errorBody{Message: message, Code: code}})
}

func respondErrorDetails(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, errorResponse{Error: errorBody{Message: message, Code: code, Details: details}})
}

// firstNonEmpty returns the first non-empty of its arguments
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// tenantFallback holds the body fields that may stand in for missing tenant
// headers.
type tenantFallback struct {
	CompanyID string
	AppID     string
	UserID    string
	SessionID string
}

// resolveTenant merges header-derived tenant context with body fallbacks.
// Headers always win.
func resolveTenant(c *gin.Context, fallback tenantFallback) models.TenantContext {
	tenant := auth.GetTenant(c)
	if tenant.CompanyID == "" {
		tenant.CompanyID = fallback.CompanyID
	}
	if tenant.AppID == "" {
		tenant.AppID = fallback.AppID
	}
	if tenant.UserID == "" {
		tenant.UserID = fallback.UserID
	}
	if tenant.SessionID == "" {
		tenant.SessionID = fallback.SessionID
	}
	return tenant
}

// requireTenant resolves the tenant and writes a 400 when the company id is
// missing from both headers and body.
func requireTenant(c *gin.Context, fallback tenantFallback) (models.TenantContext, bool) {
	tenant := resolveTenant(c, fallback)
	if !tenant.Valid() {
		respondError(c, http.StatusBadRequest, CodeMissingTenant,
			"company id is required via X-Company-ID header or request body")
		return tenant, false
	}
	return tenant, true
}
