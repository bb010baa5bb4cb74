package impl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
)

func ingestTestService(client *http.Client) *documentServiceImpl {
	return &documentServiceImpl{
		httpClient: client,
		logger:     zap.NewNop(),
	}
}

func TestIngestFromURL_UnsupportedScheme(t *testing.T) {
	svc := ingestTestService(http.DefaultClient)

	_, err := svc.IngestFromURL(context.Background(), &models.IngestURLRequest{
		URL: "ftp://example.com/export.txt",
	}, models.TenantContext{CompanyID: "acme"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedURLScheme)
}

func TestIngestFromURL_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := ingestTestService(server.Client())
	_, err := svc.IngestFromURL(context.Background(), &models.IngestURLRequest{
		URL: server.URL,
	}, models.TenantContext{CompanyID: "acme"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestIngestFromURL_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := ingestTestService(server.Client())
	_, err := svc.IngestFromURL(context.Background(), &models.IngestURLRequest{
		URL: server.URL,
	}, models.TenantContext{CompanyID: "acme"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty body")
}
