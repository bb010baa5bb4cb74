package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankDocumentUnmarshal_String(t *testing.T) {
	var req RerankRequest
	err := json.Unmarshal([]byte(`{"query":"q","documents":["first doc","second doc"]}`), &req)
	require.NoError(t, err)

	require.Len(t, req.Documents, 2)
	assert.Equal(t, "first doc", req.Documents[0].Content)
	assert.Empty(t, req.Documents[0].ID)
	assert.Equal(t, "second doc", req.Documents[1].Content)
}

func TestRerankDocumentUnmarshal_Object(t *testing.T) {
	var doc RerankDocument
	err := json.Unmarshal([]byte(`{"id":"d1","content":"body"}`), &doc)
	require.NoError(t, err)

	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "body", doc.Content)
}

func TestStoreMemoryRequestNormalize_Aliases(t *testing.T) {
	req := StoreMemoryRequest{
		CompanyIDAlias: "acme",
		UserIDAlias:    "u-1",
	}
	req.Normalize()

	assert.Equal(t, "acme", req.CompanyID)
	assert.Equal(t, "u-1", req.UserID)
}

func TestStoreMemoryRequestNormalize_CanonicalWins(t *testing.T) {
	req := StoreMemoryRequest{
		CompanyID:      "acme",
		CompanyIDAlias: "other",
	}
	req.Normalize()

	assert.Equal(t, "acme", req.CompanyID)
}
