package impl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

func embedServerResponse(embedding []float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": embedding, "index": 0},
			},
		})
	}
}

func newEmbeddingTest(t *testing.T, handler http.HandlerFunc, dimension int, cache services.CacheService) *embeddingClientImpl {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewEmbeddingClient(&config.EmbeddingsConfig{
		BaseURL:        server.URL,
		Timeout:        5,
		Model:          "test-embed",
		RerankModel:    "test-rerank",
		MaxRetries:     0,
		BreakerTimeout: 30,
	}, dimension, cache, zap.NewNop())
}

func TestEmbeddingClient_Embed(t *testing.T) {
	client := newEmbeddingTest(t, embedServerResponse([]float32{0.1, 0.2, 0.3, 0.4}), 4, nil)

	embedding, err := client.Embed(context.Background(), "hello", services.EmbeddingKindQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, embedding)
	assert.Equal(t, 4, client.Dimension())
}

func TestEmbeddingClient_DimensionMismatch(t *testing.T) {
	client := newEmbeddingTest(t, embedServerResponse([]float32{0.1, 0.2}), 4, nil)

	_, err := client.Embed(context.Background(), "hello", services.EmbeddingKindQuery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestEmbeddingClient_DocumentEmbeddingsCached(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	cache := NewCacheService(redisClient, &config.RedisConfig{EmbeddingTTL: 3600}, zap.NewNop())

	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		embedServerResponse([]float32{0.1, 0.2, 0.3, 0.4})(w, r)
	}
	client := newEmbeddingTest(t, handler, 4, cache)

	for i := 0; i < 3; i++ {
		_, err := client.Embed(context.Background(), "same content", services.EmbeddingKindDocument)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Query-side embeddings bypass the cache.
	_, err = client.Embed(context.Background(), "same content", services.EmbeddingKindQuery)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbeddingClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := newEmbeddingTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 4, nil)

	for i := 0; i < 5; i++ {
		_, err := client.Embed(context.Background(), "hello", services.EmbeddingKindQuery)
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrEmbeddingUnavailable))
	}

	_, err := client.Embed(context.Background(), "hello", services.EmbeddingKindQuery)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestEmbeddingClient_Rerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rerank", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.4},
				{"index": 99, "relevance_score": 0.1},
			},
		})
	}))
	t.Cleanup(server.Close)

	client := NewEmbeddingClient(&config.EmbeddingsConfig{
		BaseURL:        server.URL,
		Timeout:        5,
		RerankModel:    "test-rerank",
		BreakerTimeout: 30,
	}, 4, nil, zap.NewNop())

	docs := []models.RerankDocument{
		{ID: "a", Content: "first"},
		{ID: "b", Content: "second"},
	}
	ranked, err := client.Rerank(context.Background(), "query", docs, 2)
	require.NoError(t, err)

	// Out-of-range indices from the provider are dropped.
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, 0.9, ranked[0].Score)
	assert.Equal(t, "a", ranked[1].ID)
}

func TestEmbeddingClient_RerankEmptyDocs(t *testing.T) {
	client := newEmbeddingTest(t, embedServerResponse(nil), 4, nil)

	ranked, err := client.Rerank(context.Background(), "query", nil, 5)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}
