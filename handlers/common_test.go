package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-graphrag/auth"
)

func newTenantContext(t *testing.T, headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memory", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req

	auth.TenantMiddleware()(c)
	return c, recorder
}

func TestResolveTenant_HeadersWin(t *testing.T) {
	c, _ := newTenantContext(t, map[string]string{
		auth.HeaderCompanyID: "header-co",
		auth.HeaderAppID:     "header-app",
	})

	tenant := resolveTenant(c, tenantFallback{
		CompanyID: "body-co",
		AppID:     "body-app",
		UserID:    "body-user",
	})

	assert.Equal(t, "header-co", tenant.CompanyID)
	assert.Equal(t, "header-app", tenant.AppID)
	// Absent headers fall back to the body.
	assert.Equal(t, "body-user", tenant.UserID)
}

func TestResolveTenant_BodyFallback(t *testing.T) {
	c, _ := newTenantContext(t, nil)

	tenant := resolveTenant(c, tenantFallback{
		CompanyID: "body-co",
		SessionID: "sess-1",
	})

	assert.Equal(t, "body-co", tenant.CompanyID)
	assert.Equal(t, "sess-1", tenant.SessionID)
}

func TestRequireTenant_MissingCompanyID(t *testing.T) {
	c, recorder := newTenantContext(t, nil)

	_, ok := requireTenant(c, tenantFallback{})
	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, CodeMissingTenant, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Message)
}

func TestRequireTenant_HeaderSuffices(t *testing.T) {
	c, recorder := newTenantContext(t, map[string]string{
		auth.HeaderCompanyID: "acme",
	})

	tenant, ok := requireTenant(c, tenantFallback{})
	require.True(t, ok)
	assert.Equal(t, "acme", tenant.CompanyID)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestRespondErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	respondErrorDetails(c, http.StatusBadRequest, CodeInvalidRequest, "bad strategy",
		map[string]interface{}{"allowed": []string{"hybrid"}})

	var resp struct {
		Error struct {
			Message string                 `json:"message"`
			Code    string                 `json:"code"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "bad strategy", resp.Error.Message)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.NotNil(t, resp.Error.Details["allowed"])
}
