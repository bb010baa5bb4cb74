package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/services"
)

// vectorStoreImpl implements VectorStore over the vector index HTTP API.
// One collection per content type; points are keyed by record id so an
// upsert with the same id is convergent.
type vectorStoreImpl struct {
	config     *config.VectorConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewVectorStore creates a vector index adapter
func NewVectorStore(cfg *config.VectorConfig, logger *zap.Logger) services.VectorStore {
	return &vectorStoreImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		logger: logger,
	}
}

func (s *vectorStoreImpl) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := s.config.BaseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("api-key", s.config.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vector store returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode vector store response: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if it does not exist. Existing
// collections are left untouched (the create endpoint answers 409).
func (s *vectorStoreImpl) EnsureCollection(ctx context.Context, collection string) error {
	createReq := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.config.Dimension,
			"distance": s.config.Distance,
		},
		"hnsw_config": map[string]interface{}{
			"m":            16,
			"ef_construct": 100,
		},
		"optimizers_config": map[string]interface{}{
			"indexing_threshold": s.config.IndexingThreshold,
		},
	}

	err := s.doRequest(ctx, http.MethodPut, "/collections/"+collection, createReq, nil)
	if err != nil {
		// 409 means the collection already exists, which is fine.
		var alreadyExists bool
		if httpErr := err.Error(); len(httpErr) > 0 {
			alreadyExists = bytes.Contains([]byte(httpErr), []byte("status 409"))
		}
		if !alreadyExists {
			return fmt.Errorf("failed to ensure collection %s: %w", collection, err)
		}
	}
	return nil
}

func (s *vectorStoreImpl) Upsert(ctx context.Context, collection string, points []services.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	apiPoints := make([]map[string]interface{}, len(points))
	for i, p := range points {
		payload := map[string]interface{}{"content": p.Content}
		for k, v := range p.Payload {
			payload[k] = v
		}
		apiPoints[i] = map[string]interface{}{
			"id":      p.ID.String(),
			"vector":  p.Embedding,
			"payload": payload,
		}
	}

	body := map[string]interface{}{"points": apiPoints}
	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if err := s.doRequest(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}
	return nil
}

type vectorSearchResponse struct {
	Result []struct {
		ID      string                 `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
}

func (s *vectorStoreImpl) Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]interface{}) ([]services.VectorMatch, error) {
	body := map[string]interface{}{
		"vector":       embedding,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		body["filter"] = translateFilter(filter)
	}

	var resp vectorSearchResponse
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := s.doRequest(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]services.VectorMatch, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			s.logger.Warn("vector point has non-uuid id", zap.String("id", r.ID))
			continue
		}
		match := services.VectorMatch{
			ID:      id,
			Score:   r.Score,
			Payload: r.Payload,
		}
		if content, ok := r.Payload["content"].(string); ok {
			match.Content = content
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// translateFilter converts a flat metadata map into the index's must-match
// filter clause
func translateFilter(filter map[string]interface{}) map[string]interface{} {
	must := make([]map[string]interface{}, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]interface{}{
			"key":   key,
			"match": map[string]interface{}{"value": value},
		})
	}
	return map[string]interface{}{"must": must}
}

func (s *vectorStoreImpl) Delete(ctx context.Context, collection string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	body := map[string]interface{}{"points": strIDs}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if err := s.doRequest(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("vector delete failed: %w", err)
	}
	return nil
}

// DeleteByDocument removes every point whose payload references documentID
func (s *vectorStoreImpl) DeleteByDocument(ctx context.Context, collection string, documentID uuid.UUID) error {
	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key":   "document_id",
					"match": map[string]interface{}{"value": documentID.String()},
				},
			},
		},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if err := s.doRequest(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("vector delete by document failed: %w", err)
	}
	return nil
}

func (s *vectorStoreImpl) Ping(ctx context.Context) error {
	return s.doRequest(ctx, http.MethodGet, "/collections", nil, nil)
}
