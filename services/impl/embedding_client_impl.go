package impl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// ErrEmbeddingUnavailable is returned when the provider's circuit breaker is
// open. Callers map it to a 503 with code EMBEDDING_UNAVAILABLE.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// embeddingClientImpl implements Embedder and Reranker over an HTTP provider
// with a circuit breaker, bounded retries, and a content-keyed cache.
type embeddingClientImpl struct {
	config     *config.EmbeddingsConfig
	dimension  int
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      services.CacheService
	logger     *zap.Logger
}

// NewEmbeddingClient creates the embedding/rerank client
func NewEmbeddingClient(cfg *config.EmbeddingsConfig, dimension int, cache services.CacheService, logger *zap.Logger) *embeddingClientImpl {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embeddings",
		Timeout: time.Duration(cfg.BreakerTimeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &embeddingClientImpl{
		config:    cfg,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		breaker: breaker,
		cache:   cache,
		logger:  logger,
	}
}

func (c *embeddingClientImpl) Dimension() int {
	return c.dimension
}

type embedAPIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	Kind  string   `json:"input_type,omitempty"`
}

type embedAPIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed computes the embedding for text. Document-side embeddings are
// served from the content-keyed cache when possible; query-side embeddings
// skip the cache.
func (c *embeddingClientImpl) Embed(ctx context.Context, text string, kind services.EmbeddingKind) ([]float32, error) {
	var cacheKey string
	if kind == services.EmbeddingKindDocument && c.cache != nil {
		sum := sha256.Sum256([]byte(text))
		cacheKey = hex.EncodeToString(sum[:])
		if cached, err := c.cache.GetEmbedding(ctx, cacheKey); err == nil && cached != nil {
			return cached, nil
		}
	}

	embedding, err := c.embedWithRetry(ctx, text, kind)
	if err != nil {
		return nil, err
	}

	if len(embedding) != c.dimension {
		return nil, fmt.Errorf("provider returned dimension %d, expected %d", len(embedding), c.dimension)
	}

	if cacheKey != "" {
		if err := c.cache.SetEmbedding(ctx, cacheKey, embedding); err != nil {
			c.logger.Warn("failed to cache embedding", zap.Error(err))
		}
	}

	return embedding, nil
}

func (c *embeddingClientImpl) embedWithRetry(ctx context.Context, text string, kind services.EmbeddingKind) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.callEmbedAPI(ctx, text, kind)
		})
		if err == nil {
			return result.([]float32), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrEmbeddingUnavailable
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *embeddingClientImpl) callEmbedAPI(ctx context.Context, text string, kind services.EmbeddingKind) ([]float32, error) {
	reqBody := embedAPIRequest{
		Model: c.config.Model,
		Input: []string{text},
		Kind:  string(kind),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", c.config.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp embedAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embedding provider returned no data")
	}

	return apiResp.Data[0].Embedding, nil
}

type rerankAPIRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankAPIResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank reorders docs against query, returning the top k with scores
func (c *embeddingClientImpl) Rerank(ctx context.Context, query string, docs []models.RerankDocument, topK int) ([]models.RerankedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}

	reqBody := rerankAPIRequest{
		Model:     c.config.RerankModel,
		Query:     query,
		Documents: contents,
		TopN:      topK,
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callRerankAPI(ctx, reqBody)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrEmbeddingUnavailable
		}
		return nil, err
	}

	apiResp := result.(*rerankAPIResponse)
	ranked := make([]models.RerankedDocument, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			continue
		}
		ranked = append(ranked, models.RerankedDocument{
			ID:      docs[r.Index].ID,
			Content: docs[r.Index].Content,
			Score:   r.RelevanceScore,
			Index:   r.Index,
		})
	}
	return ranked, nil
}

func (c *embeddingClientImpl) callRerankAPI(ctx context.Context, reqBody rerankAPIRequest) (*rerankAPIResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rerank", c.config.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp rerankAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return &apiResp, nil
}
