package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// pqArray converts a string slice for a text[] column predicate
func pqArray(values []string) pq.StringArray {
	return pq.StringArray(values)
}

// interactionServiceImpl records conversational turns. User ids are hashed
// before they touch the row; the raw id never reaches storage.
type interactionServiceImpl struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewInteractionService creates the interaction capture service
func NewInteractionService(db *gorm.DB, logger *zap.Logger) services.InteractionService {
	return &interactionServiceImpl{db: db, logger: logger}
}

// HashUserID one-way hashes a user id for storage
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

func (s *interactionServiceImpl) CaptureInteraction(ctx context.Context, req *models.CaptureInteractionRequest, tenant models.TenantContext, platform, platformVersion string) (*models.Interaction, error) {
	tenant = tenant.Normalized()
	if !tenant.Valid() {
		return nil, fmt.Errorf("tenant context is missing company id")
	}

	var toolCalls datatypes.JSON
	if len(req.ToolCalls) > 0 {
		data, err := json.Marshal(req.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = data
	}

	interaction := &models.Interaction{
		ID:              uuid.New(),
		CompanyID:       tenant.CompanyID,
		AppID:           tenant.AppID,
		UserIDHash:      HashUserID(tenant.UserID),
		SessionID:       req.SessionID,
		ThreadID:        req.ThreadID,
		ParentID:        req.ParentID,
		Platform:        platform,
		PlatformVersion: platformVersion,
		UserText:        req.UserText,
		AssistantText:   req.AssistantText,
		ToolCalls:       toolCalls,
		PromptTokens:    req.PromptTokens,
		OutputTokens:    req.OutputTokens,
		CostUSD:         req.CostUSD,
		LatencyMs:       req.LatencyMs,
		MemoryRefs:      pqArray(req.MemoryRefs),
		DocumentRefs:    pqArray(req.DocumentRefs),
		EntityRefs:      pqArray(req.EntityRefs),
	}

	if err := s.db.WithContext(ctx).Create(interaction).Error; err != nil {
		return nil, fmt.Errorf("interaction write failed: %w", err)
	}
	return interaction, nil
}

func (s *interactionServiceImpl) ListInteractions(ctx context.Context, tenant models.TenantContext, sessionID string, limit, offset int) ([]models.Interaction, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := s.db.WithContext(ctx).Model(&models.Interaction{}).
		Where("company_id = ?", tenant.CompanyID)
	if tenant.AppID != "" {
		q = q.Where("app_id = ?", tenant.AppID)
	}
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("interaction count failed: %w", err)
	}

	var interactions []models.Interaction
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&interactions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("interaction list failed: %w", err)
	}
	return interactions, total, nil
}
