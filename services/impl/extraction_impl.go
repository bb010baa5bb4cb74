package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

// extractionImpl implements EntityExtractor, FactExtractor and Summarizer on
// an OpenAI-compatible chat endpoint. When the LLM is disabled it degrades to
// pattern-based extraction so enrichment still produces graph writes.
type extractionImpl struct {
	config     *config.LLMConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewExtractionService creates the LLM-backed extraction capability
func NewExtractionService(cfg *config.LLMConfig, logger *zap.Logger) *extractionImpl {
	return &extractionImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	Temperature    float64                `json:"temperature"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *extractionImpl) complete(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: s.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.0,
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		url := s.config.BaseURL + "/v1/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create chat request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if s.config.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
		}

		resp, err := s.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("chat request failed: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read chat response: %w", readErr)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("llm returned status %d: %s", resp.StatusCode, string(body))
			// Client errors will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return "", lastErr
			}
			continue
		}

		var chatResp chatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			lastErr = fmt.Errorf("failed to decode chat response: %w", err)
			continue
		}
		if len(chatResp.Choices) == 0 {
			lastErr = fmt.Errorf("llm returned no choices")
			continue
		}
		return chatResp.Choices[0].Message.Content, nil
	}
	return "", lastErr
}

const entitySystemPrompt = `Extract named entities from the user's text.
Respond with JSON: {"entities":[{"name":"...","entity_type":"person|organization|location|product|concept|event","domain":"...","confidence":0.0}]}
Use the pre-identified entities if the user provides any. Confidence is in [0,1].`

type entityExtractionPayload struct {
	Entities []models.ExtractedEntity `json:"entities"`
}

// ExtractEntities derives entities from content. Pre-identified names are
// always present in the result with full confidence.
func (s *extractionImpl) ExtractEntities(ctx context.Context, content string, preIdentified []string) ([]models.ExtractedEntity, error) {
	var entities []models.ExtractedEntity

	if s.config.Enabled {
		user := content
		if len(preIdentified) > 0 {
			user = fmt.Sprintf("Pre-identified entities: %s\n\nText:\n%s", strings.Join(preIdentified, ", "), content)
		}
		raw, err := s.complete(ctx, entitySystemPrompt, user)
		if err != nil {
			return nil, fmt.Errorf("entity extraction failed: %w", err)
		}
		var payload entityExtractionPayload
		if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
			return nil, fmt.Errorf("entity extraction returned malformed JSON: %w", err)
		}
		entities = payload.Entities
	} else {
		entities = patternExtractEntities(content)
	}

	// Merge in the caller's pre-identified entities.
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		seen[strings.ToLower(e.Name)] = true
	}
	for _, name := range preIdentified {
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		entities = append(entities, models.ExtractedEntity{
			Name:       name,
			EntityType: "concept",
			Confidence: 1.0,
		})
		seen[strings.ToLower(name)] = true
	}
	return entities, nil
}

const factSystemPrompt = `Extract factual (subject, predicate, object) triples from the user's text.
Only use subjects and objects from the provided entity list.
Respond with JSON: {"facts":[{"subject":"...","predicate":"...","object":"...","confidence":0.0}]}`

type factExtractionPayload struct {
	Facts []models.Fact `json:"facts"`
}

// ExtractFacts derives triples among the already-extracted entities
func (s *extractionImpl) ExtractFacts(ctx context.Context, content string, entities []models.ExtractedEntity) ([]models.Fact, error) {
	if len(entities) < 2 {
		return nil, nil
	}
	if !s.config.Enabled {
		return nil, nil
	}

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	user := fmt.Sprintf("Entities: %s\n\nText:\n%s", strings.Join(names, ", "), content)

	raw, err := s.complete(ctx, factSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}

	var payload factExtractionPayload
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		return nil, fmt.Errorf("fact extraction returned malformed JSON: %w", err)
	}

	// Drop triples referencing entities the model invented.
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[strings.ToLower(n)] = true
	}
	facts := payload.Facts[:0]
	for _, f := range payload.Facts {
		if known[strings.ToLower(f.Subject)] && known[strings.ToLower(f.Object)] {
			facts = append(facts, f)
		}
	}
	return facts, nil
}

const summarySystemPrompt = `Summarize the user's text as a short episodic memory in 1-3 sentences.
Respond with JSON: {"summary":"..."}`

// Summarize produces an episodic summary of content
func (s *extractionImpl) Summarize(ctx context.Context, content string) (string, error) {
	if !s.config.Enabled {
		return truncateSummary(content, 280), nil
	}

	raw, err := s.complete(ctx, summarySystemPrompt, content)
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}

	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		return "", fmt.Errorf("summarization returned malformed JSON: %w", err)
	}
	if payload.Summary == "" {
		return truncateSummary(content, 280), nil
	}
	return payload.Summary, nil
}

// extractJSONObject strips code fences and any text around the outermost
// JSON object. Some models wrap their JSON despite the response format.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func truncateSummary(content string, max int) string {
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if idx := strings.LastIndex(cut, " "); idx > max/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

var capitalizedRunPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,3}\b`)

// patternExtractEntities is the degraded extraction path used when the LLM
// capability is disabled. It keeps capitalized runs that are not sentence
// starters.
func patternExtractEntities(content string) []models.ExtractedEntity {
	matches := capitalizedRunPattern.FindAllStringIndex(content, -1)
	seen := make(map[string]bool)
	var entities []models.ExtractedEntity
	for _, m := range matches {
		name := content[m[0]:m[1]]
		if m[0] > 0 {
			prev := strings.TrimRight(content[:m[0]], " ")
			if len(prev) > 0 {
				last := prev[len(prev)-1]
				if last == '.' || last == '!' || last == '?' || last == '\n' {
					continue
				}
			}
		} else {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		entities = append(entities, models.ExtractedEntity{
			Name:       name,
			EntityType: "concept",
			Confidence: 0.5,
		})
	}
	return entities
}
