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
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// graphStoreImpl implements GraphStore over the graph database's HTTP
// transaction endpoint. Every statement is scoped by tenant properties and
// written with MERGE so redelivered jobs converge instead of duplicating.
type graphStoreImpl struct {
	config     *config.GraphConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGraphStore creates a property-graph adapter
func NewGraphStore(cfg *config.GraphConfig, logger *zap.Logger) services.GraphStore {
	return &graphStoreImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		logger: logger,
	}
}

type cypherStatement struct {
	Statement  string                 `json:"statement"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type cypherRequest struct {
	Statements []cypherStatement `json:"statements"`
}

type cypherResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []json.RawMessage `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *graphStoreImpl) execute(ctx context.Context, statements []cypherStatement) (*cypherResponse, error) {
	jsonData, err := json.Marshal(cypherRequest{Statements: statements})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cypher request: %w", err)
	}

	url := s.config.BaseURL + "/db/neo4j/tx/commit"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Basic "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graph store returned status %d: %s", resp.StatusCode, string(body))
	}

	var cypherResp cypherResponse
	if err := json.NewDecoder(resp.Body).Decode(&cypherResp); err != nil {
		return nil, fmt.Errorf("failed to decode graph response: %w", err)
	}
	if len(cypherResp.Errors) > 0 {
		first := cypherResp.Errors[0]
		return nil, fmt.Errorf("graph statement failed: %s: %s", first.Code, first.Message)
	}
	return &cypherResp, nil
}

func tenantParams(tenant models.TenantContext) map[string]interface{} {
	return map[string]interface{}{
		"company_id": tenant.CompanyID,
		"app_id":     tenant.AppID,
		"user_id":    tenant.UserID,
	}
}

// MergeEntities upserts entity nodes. Matched nodes bump mention_count and
// only ever raise their confidence.
func (s *graphStoreImpl) MergeEntities(ctx context.Context, tenant models.TenantContext, entities []services.GraphEntity) error {
	if len(entities) == 0 {
		return nil
	}

	statements := make([]cypherStatement, 0, len(entities))
	for _, e := range entities {
		params := tenantParams(tenant)
		params["name"] = e.Name
		params["entity_type"] = e.EntityType
		params["domain"] = e.Domain
		params["confidence"] = e.Confidence

		statements = append(statements, cypherStatement{
			Statement: `MERGE (e:Entity {name: $name, company_id: $company_id, app_id: $app_id})
ON CREATE SET e.entity_type = $entity_type, e.domain = $domain, e.confidence = $confidence,
              e.mention_count = 1, e.first_seen = timestamp(), e.last_seen = timestamp()
ON MATCH SET e.mention_count = e.mention_count + 1, e.last_seen = timestamp(),
             e.confidence = CASE WHEN $confidence > e.confidence THEN $confidence ELSE e.confidence END`,
			Parameters: params,
		})
	}

	if _, err := s.execute(ctx, statements); err != nil {
		return fmt.Errorf("entity merge failed: %w", err)
	}
	return nil
}

// MergeFacts upserts relationships keyed by (subject, predicate, object)
func (s *graphStoreImpl) MergeFacts(ctx context.Context, tenant models.TenantContext, facts []services.GraphFact) error {
	if len(facts) == 0 {
		return nil
	}

	statements := make([]cypherStatement, 0, len(facts))
	for _, f := range facts {
		params := tenantParams(tenant)
		params["subject"] = f.Subject
		params["object"] = f.Object
		params["predicate"] = f.Predicate
		params["confidence"] = f.Confidence
		params["provenance"] = f.Provenance

		statements = append(statements, cypherStatement{
			Statement: `MATCH (a:Entity {name: $subject, company_id: $company_id, app_id: $app_id})
MATCH (b:Entity {name: $object, company_id: $company_id, app_id: $app_id})
MERGE (a)-[r:RELATES_TO {predicate: $predicate}]->(b)
ON CREATE SET r.confidence = $confidence, r.weight = 1, r.provenance = $provenance, r.created_at = timestamp()
ON MATCH SET r.weight = r.weight + 1,
             r.confidence = CASE WHEN $confidence > r.confidence THEN $confidence ELSE r.confidence END`,
			Parameters: params,
		})
	}

	if _, err := s.execute(ctx, statements); err != nil {
		return fmt.Errorf("fact merge failed: %w", err)
	}
	return nil
}

// LinkEpisode creates the episode node and MENTIONS edges to each entity
func (s *graphStoreImpl) LinkEpisode(ctx context.Context, tenant models.TenantContext, episodeID uuid.UUID, summary string, entityNames []string) error {
	params := tenantParams(tenant)
	params["episode_id"] = episodeID.String()
	params["summary"] = summary
	params["session_id"] = tenant.SessionID
	params["entities"] = entityNames

	stmt := cypherStatement{
		Statement: `MERGE (ep:Episode {id: $episode_id})
ON CREATE SET ep.summary = $summary, ep.company_id = $company_id, ep.app_id = $app_id,
              ep.user_id = $user_id, ep.session_id = $session_id, ep.created_at = timestamp()
WITH ep
UNWIND $entities AS entityName
MATCH (e:Entity {name: entityName, company_id: $company_id, app_id: $app_id})
MERGE (ep)-[:MENTIONS]->(e)`,
		Parameters: params,
	}

	if _, err := s.execute(ctx, []cypherStatement{stmt}); err != nil {
		return fmt.Errorf("episode link failed: %w", err)
	}
	return nil
}

// Traverse walks out from the seed entities up to hops edges and returns the
// reached neighbors ordered by accumulated edge weight.
func (s *graphStoreImpl) Traverse(ctx context.Context, tenant models.TenantContext, seeds []string, hops int, limit int) ([]services.GraphNeighbor, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if hops <= 0 {
		hops = 1
	}
	if limit <= 0 {
		limit = 20
	}

	params := tenantParams(tenant)
	params["seeds"] = seeds
	params["limit"] = limit

	// Variable-length bounds cannot be parameterized, so hops is inlined.
	// It comes from config, never from request input.
	stmt := cypherStatement{
		Statement: fmt.Sprintf(`MATCH (seed:Entity {company_id: $company_id, app_id: $app_id})
WHERE seed.name IN $seeds
MATCH path = (seed)-[:RELATES_TO*1..%d]-(n:Entity)
WHERE n.company_id = $company_id AND NOT n.name IN $seeds
WITH n, min(length(path)) AS hops, sum(reduce(w = 0.0, r IN relationships(path) | w + r.weight)) AS weight
RETURN n.name, n.entity_type, hops, weight
ORDER BY weight DESC
LIMIT $limit`, hops),
		Parameters: params,
	}

	resp, err := s.execute(ctx, []cypherStatement{stmt})
	if err != nil {
		return nil, fmt.Errorf("graph traversal failed: %w", err)
	}

	var neighbors []services.GraphNeighbor
	if len(resp.Results) == 0 {
		return neighbors, nil
	}
	for _, row := range resp.Results[0].Data {
		if len(row.Row) < 4 {
			continue
		}
		var n services.GraphNeighbor
		if err := json.Unmarshal(row.Row[0], &n.Name); err != nil {
			continue
		}
		json.Unmarshal(row.Row[1], &n.EntityType)
		json.Unmarshal(row.Row[2], &n.Hops)
		json.Unmarshal(row.Row[3], &n.Weight)
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

// DeleteTenant removes every node owned by the tenant
func (s *graphStoreImpl) DeleteTenant(ctx context.Context, tenant models.TenantContext) error {
	params := map[string]interface{}{
		"company_id": tenant.CompanyID,
		"app_id":     tenant.AppID,
	}
	stmt := cypherStatement{
		Statement:  `MATCH (n {company_id: $company_id, app_id: $app_id}) DETACH DELETE n`,
		Parameters: params,
	}
	if _, err := s.execute(ctx, []cypherStatement{stmt}); err != nil {
		return fmt.Errorf("tenant graph delete failed: %w", err)
	}
	return nil
}

func (s *graphStoreImpl) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, []cypherStatement{{Statement: "RETURN 1"}})
	return err
}
