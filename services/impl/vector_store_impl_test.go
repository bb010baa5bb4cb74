package impl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/services"
)

func newVectorStoreTest(t *testing.T, handler http.HandlerFunc) (services.VectorStore, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := NewVectorStore(&config.VectorConfig{
		BaseURL:   server.URL,
		Timeout:   5,
		Dimension: 4,
		Distance:  "cosine",
	}, zap.NewNop())
	return store, server
}

func TestVectorStore_Upsert(t *testing.T) {
	var captured map[string]interface{}
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/memories/points", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	})

	id := uuid.New()
	err := store.Upsert(context.Background(), "memories", []services.VectorPoint{{
		ID:        id,
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
		Content:   "hello",
		Payload:   map[string]interface{}{"company_id": "acme"},
	}})
	require.NoError(t, err)

	points := captured["points"].([]interface{})
	require.Len(t, points, 1)
	point := points[0].(map[string]interface{})
	assert.Equal(t, id.String(), point["id"])
	payload := point["payload"].(map[string]interface{})
	assert.Equal(t, "hello", payload["content"])
	assert.Equal(t, "acme", payload["company_id"])
}

func TestVectorStore_UpsertEmptyIsNoop(t *testing.T) {
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	require.NoError(t, store.Upsert(context.Background(), "memories", nil))
}

func TestVectorStore_Search(t *testing.T) {
	goodID := uuid.New()
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/memories/points/search", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter := body["filter"].(map[string]interface{})
		assert.NotEmpty(t, filter["must"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{
					"id":      goodID.String(),
					"score":   0.92,
					"payload": map[string]interface{}{"content": "matched text"},
				},
				{
					// Non-uuid ids are skipped, not fatal.
					"id":      "not-a-uuid",
					"score":   0.5,
					"payload": map[string]interface{}{},
				},
			},
		})
	})

	matches, err := store.Search(context.Background(), "memories",
		[]float32{0.1, 0.2, 0.3, 0.4}, 10,
		map[string]interface{}{"company_id": "acme"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, goodID, matches[0].ID)
	assert.Equal(t, 0.92, matches[0].Score)
	assert.Equal(t, "matched text", matches[0].Content)
}

func TestVectorStore_EnsureCollectionTolerates409(t *testing.T) {
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("collection already exists"))
	})
	assert.NoError(t, store.EnsureCollection(context.Background(), "memories"))
}

func TestVectorStore_EnsureCollectionSurfacesOtherErrors(t *testing.T) {
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.Error(t, store.EnsureCollection(context.Background(), "memories"))
}

func TestVectorStore_DeleteByDocument(t *testing.T) {
	docID := uuid.New()
	store, _ := newVectorStoreTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/chunks/points/delete", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter := body["filter"].(map[string]interface{})
		must := filter["must"].([]interface{})
		clause := must[0].(map[string]interface{})
		assert.Equal(t, "document_id", clause["key"])
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, store.DeleteByDocument(context.Background(), "chunks", docID))
}

func TestTranslateFilter(t *testing.T) {
	out := translateFilter(map[string]interface{}{"company_id": "acme"})
	must := out["must"].([]map[string]interface{})
	require.Len(t, must, 1)
	assert.Equal(t, "company_id", must[0]["key"])
	assert.Equal(t, map[string]interface{}{"value": "acme"}, must[0]["match"])
}
