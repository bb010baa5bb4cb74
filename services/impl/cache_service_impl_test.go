package impl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/services"
)

func setupCacheTest(t *testing.T) (services.CacheService, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.RedisConfig{
		CacheTTL:       1800,
		IdempotencyTTL: 300,
		EmbeddingTTL:   86400,
		EventChannel:   "graphrag:events",
	}
	cache := NewCacheService(client, cfg, zap.NewNop())

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return cache, client, cleanup
}

func TestCacheService_SetGetDelete(t *testing.T) {
	cache, _, cleanup := setupCacheTest(t)
	defer cleanup()
	ctx := context.Background()

	miss, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, cache.Set(ctx, "k", []byte("value"), time.Minute))

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, cache.Delete(ctx, "k"))
	got, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheService_IdempotencyClaim(t *testing.T) {
	cache, _, cleanup := setupCacheTest(t)
	defer cleanup()
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()

	claimed, holder, err := cache.ClaimIdempotencyKey(ctx, "hash-1", first, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, first, holder)

	// A second writer loses the claim and learns the holder's id.
	claimed, holder, err = cache.ClaimIdempotencyKey(ctx, "hash-1", second, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, first, holder)

	// Different content hashes never collide.
	claimed, _, err = cache.ClaimIdempotencyKey(ctx, "hash-2", second, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestCacheService_IdempotencyRelease(t *testing.T) {
	cache, _, cleanup := setupCacheTest(t)
	defer cleanup()
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()

	_, _, err := cache.ClaimIdempotencyKey(ctx, "hash-1", first, time.Minute)
	require.NoError(t, err)
	require.NoError(t, cache.ReleaseIdempotencyKey(ctx, "hash-1"))

	claimed, holder, err := cache.ClaimIdempotencyKey(ctx, "hash-1", second, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, second, holder)
}

func TestCacheService_EmbeddingRoundTrip(t *testing.T) {
	cache, _, cleanup := setupCacheTest(t)
	defer cleanup()
	ctx := context.Background()

	miss, err := cache.GetEmbedding(ctx, "hash")
	require.NoError(t, err)
	assert.Nil(t, miss)

	embedding := []float32{0.1, 0.2, 0.3}
	require.NoError(t, cache.SetEmbedding(ctx, "hash", embedding))

	got, err := cache.GetEmbedding(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, embedding, got)
}

func TestCacheService_CorruptEmbeddingIsAMiss(t *testing.T) {
	cache, client, cleanup := setupCacheTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "graphrag:embed:bad", "not json", 0).Err())

	got, err := cache.GetEmbedding(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}
