// Package auth holds the request middleware: tenant context extraction for
// the data plane and JWT validation for admin routes.
package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/tas-graphrag/models"
)

// Tenant header names. Headers win over body fields when both are present.
const (
	HeaderCompanyID = "X-Company-ID"
	HeaderAppID     = "X-App-ID"
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderThreadID  = "X-Thread-ID"
)

const tenantContextKey = "tenantContext"

// TenantMiddleware reads the tenant headers into the request context. It
// never rejects; handlers that require a company id enforce it after any
// body fallback has been applied.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := models.TenantContext{
			CompanyID: c.GetHeader(HeaderCompanyID),
			AppID:     c.GetHeader(HeaderAppID),
			UserID:    c.GetHeader(HeaderUserID),
			SessionID: c.GetHeader(HeaderSessionID),
			ThreadID:  c.GetHeader(HeaderThreadID),
		}
		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// GetTenant returns the header-derived tenant for the request
func GetTenant(c *gin.Context) models.TenantContext {
	if value, ok := c.Get(tenantContextKey); ok {
		if tenant, ok := value.(models.TenantContext); ok {
			return tenant
		}
	}
	return models.TenantContext{}
}
