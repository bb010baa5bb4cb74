package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Entity is a graph node derived from memory content by enrichment.
// The graph store is the system of record during enrichment; this row is the
// relational mirror used by metadata retrieval.
type Entity struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CompanyID      string         `json:"company_id" gorm:"index:idx_entities_tenant;not null"`
	AppID          string         `json:"app_id" gorm:"index:idx_entities_tenant"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name" gorm:"size:512;index:idx_entities_name"`
	Domain         string         `json:"domain" gorm:"size:128"`
	EntityType     string         `json:"entity_type" gorm:"size:128"`
	HierarchyLevel int            `json:"hierarchy_level"`
	ParentID       *uuid.UUID     `json:"parent_id,omitempty" gorm:"type:uuid"`
	Content        string         `json:"content" gorm:"type:text"`
	Confidence     float64        `json:"confidence"`
	MentionCount   int            `json:"mention_count"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Entity) TableName() string {
	return "entities"
}

// Relationship connects two entities. Identity is (source, target, type);
// weight stays in [0,1].
type Relationship struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CompanyID        string         `json:"company_id" gorm:"index;not null"`
	AppID            string         `json:"app_id"`
	SourceEntityID   uuid.UUID      `json:"source_entity_id" gorm:"type:uuid;index:idx_rel_identity,unique"`
	TargetEntityID   uuid.UUID      `json:"target_entity_id" gorm:"type:uuid;index:idx_rel_identity,unique"`
	RelationshipType string         `json:"relationship_type" gorm:"size:128;index:idx_rel_identity,unique"`
	Weight           float64        `json:"weight"`
	Directionality   string         `json:"directionality" gorm:"size:16;default:directed"`
	Provenance       string         `json:"provenance" gorm:"size:256"`
	Metadata         datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Relationship) TableName() string {
	return "relationships"
}

// ExtractedEntity is the shape returned by the entity-extraction capability
type ExtractedEntity struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Domain     string  `json:"domain,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Fact is a (subject, predicate, object) triple with extraction confidence
type Fact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}
