package impl

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// triageImpl is the heuristic triage classifier. It decides the storage
// fan-out for new content without an LLM round trip; an LLM classifier can
// wrap it for ambiguous cases.
type triageImpl struct {
	logger *zap.Logger
}

// NewTriageClassifier creates the heuristic classifier
func NewTriageClassifier(logger *zap.Logger) services.TriageClassifier {
	return &triageImpl{logger: logger}
}

var (
	properNounPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
	narrativePattern  = regexp.MustCompile(`(?i)\b(then|after that|first|next|finally|we decided|it happened|yesterday|last week|earlier today)\b`)
	relationPattern   = regexp.MustCompile(`(?i)\b(works at|reports to|depends on|owns|manages|caused by|created|part of|belongs to)\b`)
)

// Classify applies forced flags first, then length and structure heuristics.
// Short content with no recognizable entities stays store_only.
func (t *triageImpl) Classify(ctx context.Context, content string, req *models.StoreMemoryRequest) (*models.TriageResult, error) {
	if req != nil && req.ForceEpisodicStorage {
		return &models.TriageResult{
			Decision:   models.TriageEpisodic,
			Confidence: 1.0,
			Reasoning:  "episodic storage forced by caller",
		}, nil
	}
	if req != nil && req.ForceEntityExtraction {
		return &models.TriageResult{
			Decision:   models.TriageExtractEntities,
			Confidence: 1.0,
			Reasoning:  "entity extraction forced by caller",
		}, nil
	}
	if req != nil && len(req.PreIdentifiedEntities) > 0 {
		return &models.TriageResult{
			Decision:   models.TriageExtractEntities,
			Confidence: 0.95,
			Reasoning:  "caller supplied pre-identified entities",
		}, nil
	}

	trimmed := strings.TrimSpace(content)
	words := len(strings.Fields(trimmed))

	if words < 8 {
		return &models.TriageResult{
			Decision:   models.TriageStoreOnly,
			Confidence: 0.9,
			Reasoning:  "content too short for extraction",
		}, nil
	}

	properNouns := len(properNounPattern.FindAllString(trimmed, -1))
	narrative := narrativePattern.MatchString(trimmed)
	relational := relationPattern.MatchString(trimmed)

	// Long narrative content with multiple named entities reads like an
	// episode worth summarizing.
	if narrative && words > 60 && properNouns >= 2 {
		return &models.TriageResult{
			Decision:   models.TriageEpisodic,
			Confidence: 0.75,
			Reasoning:  "narrative structure with multiple named entities",
		}, nil
	}

	if properNouns >= 2 || relational {
		return &models.TriageResult{
			Decision:   models.TriageExtractEntities,
			Confidence: 0.7,
			Reasoning:  "named entities or relational phrasing detected",
		}, nil
	}

	return &models.TriageResult{
		Decision:   models.TriageStoreOnly,
		Confidence: 0.6,
		Reasoning:  "no extraction signals",
	}, nil
}
