package impl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

func newGraphStoreTest(t *testing.T, handler http.HandlerFunc) services.GraphStore {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGraphStore(&config.GraphConfig{
		BaseURL: server.URL,
		Timeout: 5,
	}, zap.NewNop())
}

func decodeStatements(t *testing.T, r *http.Request) []string {
	var req struct {
		Statements []struct {
			Statement string `json:"statement"`
		} `json:"statements"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

	out := make([]string, len(req.Statements))
	for i, s := range req.Statements {
		out[i] = s.Statement
	}
	return out
}

func TestGraphStore_MergeFactsRelationshipType(t *testing.T) {
	var statements []string
	store := newGraphStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/db/neo4j/tx/commit", r.URL.Path)
		statements = decodeStatements(t, r)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[],"errors":[]}`))
	})

	tenant := models.TenantContext{CompanyID: "acme", AppID: "app"}
	err := store.MergeFacts(context.Background(), tenant, []services.GraphFact{{
		Subject:    "Alice",
		Predicate:  "works_with",
		Object:     "Bob",
		Confidence: 0.8,
	}})
	require.NoError(t, err)

	require.Len(t, statements, 1)
	assert.Contains(t, statements[0], "MERGE (a)-[r:RELATES_TO {predicate: $predicate}]->(b)")
}

func TestGraphStore_TraverseRelationshipType(t *testing.T) {
	var statements []string
	store := newGraphStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		statements = decodeStatements(t, r)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[],"errors":[]}`))
	})

	tenant := models.TenantContext{CompanyID: "acme"}
	_, err := store.Traverse(context.Background(), tenant, []string{"Alice"}, 2, 10)
	require.NoError(t, err)

	require.Len(t, statements, 1)
	assert.Contains(t, statements[0], "[:RELATES_TO*1..2]")
}
