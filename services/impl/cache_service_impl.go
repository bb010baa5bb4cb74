package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/services"
)

const (
	cacheKeyPrefix       = "graphrag:cache"
	idempotencyKeyPrefix = "graphrag:idem"
	embeddingKeyPrefix   = "graphrag:embed"
)

// cacheServiceImpl implements CacheService on Redis. The cache is
// best-effort on the ingest path: callers log failures and continue.
type cacheServiceImpl struct {
	redis  *redis.Client
	config *config.RedisConfig
	logger *zap.Logger
}

// NewCacheService creates a Redis-backed CacheService
func NewCacheService(redisClient *redis.Client, cfg *config.RedisConfig, logger *zap.Logger) services.CacheService {
	return &cacheServiceImpl{
		redis:  redisClient,
		config: cfg,
		logger: logger,
	}
}

func (s *cacheServiceImpl) prefixKey(key string) string {
	return fmt.Sprintf("%s:%s", cacheKeyPrefix, key)
}

func (s *cacheServiceImpl) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	return data, nil
}

func (s *cacheServiceImpl) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Duration(s.config.CacheTTL) * time.Second
	}
	if err := s.redis.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

func (s *cacheServiceImpl) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// ClaimIdempotencyKey claims the (tenant, content-hash) key for memoryID.
// When another writer holds the key, the holder's memory id is returned so
// the caller can answer with duplicate=true.
func (s *cacheServiceImpl) ClaimIdempotencyKey(ctx context.Context, key string, memoryID uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error) {
	if ttl <= 0 {
		ttl = time.Duration(s.config.IdempotencyTTL) * time.Second
	}
	fullKey := fmt.Sprintf("%s:%s", idempotencyKeyPrefix, key)

	ok, err := s.redis.SetNX(ctx, fullKey, memoryID.String(), ttl).Result()
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if ok {
		return true, memoryID, nil
	}

	holder, err := s.redis.Get(ctx, fullKey).Result()
	if err == redis.Nil {
		// Holder expired between SetNX and Get; retry the claim once.
		ok, err = s.redis.SetNX(ctx, fullKey, memoryID.String(), ttl).Result()
		if err != nil || !ok {
			return false, uuid.Nil, fmt.Errorf("idempotency re-claim failed: %w", err)
		}
		return true, memoryID, nil
	}
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency holder lookup failed: %w", err)
	}

	holderID, err := uuid.Parse(holder)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("idempotency holder is not a uuid: %w", err)
	}
	return false, holderID, nil
}

func (s *cacheServiceImpl) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	fullKey := fmt.Sprintf("%s:%s", idempotencyKeyPrefix, key)
	return s.redis.Del(ctx, fullKey).Err()
}

func (s *cacheServiceImpl) GetEmbedding(ctx context.Context, contentHash string) ([]float32, error) {
	key := fmt.Sprintf("%s:%s", embeddingKeyPrefix, contentHash)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding cache get failed: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		// Corrupt entry; drop it and treat as a miss.
		s.redis.Del(ctx, key)
		return nil, nil
	}
	return embedding, nil
}

func (s *cacheServiceImpl) SetEmbedding(ctx context.Context, contentHash string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	key := fmt.Sprintf("%s:%s", embeddingKeyPrefix, contentHash)
	ttl := time.Duration(s.config.EmbeddingTTL) * time.Second
	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("embedding cache set failed: %w", err)
	}
	return nil
}

// Publish emits an event on the shared pub-sub channel
func (s *cacheServiceImpl) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.redis.Publish(ctx, s.config.EventChannel, data).Err(); err != nil {
		return fmt.Errorf("event publish failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of raw event payloads plus a cancel function
func (s *cacheServiceImpl) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	sub := s.redis.Subscribe(ctx, s.config.EventChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("event subscribe failed: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("failed to close event subscription", zap.Error(err))
		}
	}
	return out, cancel, nil
}

func (s *cacheServiceImpl) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
