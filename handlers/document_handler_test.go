package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/tas-graphrag/auth"
	"github.com/tas-graphrag/config"
)

func ingestURLRequest(t *testing.T, body string, headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req

	auth.TenantMiddleware()(c)
	return c, recorder
}

func TestIngestURL_RejectsNonHTTPScheme(t *testing.T) {
	h := NewDocumentHandler(nil, nil, &config.ServerConfig{MaxContentBytes: 100_000})
	c, recorder := ingestURLRequest(t, `{"url":"file:///etc/passwd","company_id":"acme"}`, nil)

	h.IngestURL(c)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), CodeInvalidRequest)
}

func TestIngestURL_MissingTenant(t *testing.T) {
	h := NewDocumentHandler(nil, nil, &config.ServerConfig{MaxContentBytes: 100_000})
	c, recorder := ingestURLRequest(t, `{"url":"https://example.com/doc.md"}`, nil)

	h.IngestURL(c)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), CodeMissingTenant)
}
