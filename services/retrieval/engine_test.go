package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

func testEngine() *Engine {
	return &Engine{
		config: &config.RetrievalConfig{
			VectorWeight:   0.55,
			FTSWeight:      0.30,
			MetadataWeight: 0.15,
			GraphHops:      2,
			MaxRerank:      50,
		},
	}
}

func TestMerge_WeightsPerSource(t *testing.T) {
	e := testEngine()
	vecID, ftsID := uuid.New(), uuid.New()

	merged := e.merge([]sourceHits{
		{
			source: models.SourceVector,
			items: []models.RetrievedItem{
				{ID: vecID, Score: 1.0, Sources: []models.RetrievalSource{models.SourceVector}},
			},
		},
		{
			source: models.SourceFTS,
			items: []models.RetrievedItem{
				{ID: ftsID, Score: 1.0, Sources: []models.RetrievalSource{models.SourceFTS}},
			},
		},
	})

	require.Len(t, merged, 2)
	// Equal raw scores rank by source weight: vector 0.55 beats fts 0.30.
	assert.Equal(t, vecID, merged[0].ID)
	assert.InDelta(t, 0.55, merged[0].Score, 0.001)
	assert.InDelta(t, 0.30, merged[1].Score, 0.001)
}

func TestMerge_MultiSourceAccumulates(t *testing.T) {
	e := testEngine()
	shared, single := uuid.New(), uuid.New()

	merged := e.merge([]sourceHits{
		{
			source: models.SourceVector,
			items: []models.RetrievedItem{
				{ID: shared, Score: 0.8, Sources: []models.RetrievalSource{models.SourceVector}},
				{ID: single, Score: 1.0, Sources: []models.RetrievalSource{models.SourceVector}},
			},
		},
		{
			source: models.SourceFTS,
			items: []models.RetrievedItem{
				{ID: shared, Score: 0.9, Sources: []models.RetrievalSource{models.SourceFTS}},
			},
		},
	})

	require.Len(t, merged, 2)
	// 0.8*0.55 + 0.9*0.30 = 0.71 beats 1.0*0.55.
	assert.Equal(t, shared, merged[0].ID)
	assert.InDelta(t, 0.71, merged[0].Score, 0.001)
	assert.Len(t, merged[0].Sources, 2)
}

func TestMerge_TieBreaksOnSourceCount(t *testing.T) {
	e := testEngine()
	multi, single := uuid.New(), uuid.New()

	merged := e.merge([]sourceHits{
		{
			source: models.SourceVector,
			items: []models.RetrievedItem{
				{ID: single, Score: 0.6, Sources: []models.RetrievalSource{models.SourceVector}},
				{ID: multi, Score: 0.6, Sources: []models.RetrievalSource{models.SourceVector}},
			},
		},
		{
			source: models.SourceFTS,
			items: []models.RetrievedItem{
				{ID: multi, Score: 0.0, Sources: []models.RetrievalSource{models.SourceFTS}},
			},
		},
	})

	require.Len(t, merged, 2)
	// Equal combined scores rank the two-source item above the single-source
	// one even though the latter was seen first.
	assert.Equal(t, multi, merged[0].ID)
	assert.Len(t, merged[0].Sources, 2)
}

func TestMerge_TieBreaksOnRecency(t *testing.T) {
	e := testEngine()
	older, newer := uuid.New(), uuid.New()
	now := time.Now()

	merged := e.merge([]sourceHits{
		{
			source: models.SourceFTS,
			items: []models.RetrievedItem{
				{ID: older, Score: 0.5, Sources: []models.RetrievalSource{models.SourceFTS}, CreatedAt: now.Add(-time.Hour)},
				{ID: newer, Score: 0.5, Sources: []models.RetrievalSource{models.SourceFTS}, CreatedAt: now},
			},
		},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, newer, merged[0].ID)
}

func TestMerge_FailedSourceIgnored(t *testing.T) {
	e := testEngine()
	id := uuid.New()

	merged := e.merge([]sourceHits{
		{
			source: models.SourceVector,
			err:    assert.AnError,
			items: []models.RetrievedItem{
				{ID: uuid.New(), Score: 1.0},
			},
		},
		{
			source: models.SourceFTS,
			items: []models.RetrievedItem{
				{ID: id, Score: 0.5, Sources: []models.RetrievalSource{models.SourceFTS}},
			},
		},
	})

	require.Len(t, merged, 1)
	assert.Equal(t, id, merged[0].ID)
}

type stubReranker struct {
	gotDocs int
	gotTopK int
}

func (s *stubReranker) Rerank(ctx context.Context, query string, docs []models.RerankDocument, topK int) ([]models.RerankedDocument, error) {
	s.gotDocs = len(docs)
	s.gotTopK = topK
	out := make([]models.RerankedDocument, len(docs))
	for i := range docs {
		out[i] = models.RerankedDocument{Index: len(docs) - 1 - i, Score: float64(len(docs) - i)}
	}
	return out, nil
}

func rerankFixture(n int) []models.RetrievedItem {
	items := make([]models.RetrievedItem, n)
	for i := range items {
		items[i] = models.RetrievedItem{ID: uuid.New(), Snippet: "candidate", Score: 1.0 - float64(i)*0.01}
	}
	return items
}

func TestRerank_WindowIsTwiceLimit(t *testing.T) {
	e := testEngine()
	stub := &stubReranker{}
	e.reranker = stub

	merged := rerankFixture(10)
	out, err := e.rerank(context.Background(), "query", merged, 2)
	require.NoError(t, err)

	// Top 2·limit candidates go through the cross-encoder; the tail keeps
	// merge order.
	assert.Equal(t, 4, stub.gotDocs)
	require.Len(t, out, 10)
	assert.Equal(t, merged[3].ID, out[0].ID)
	assert.Equal(t, merged[4].ID, out[4].ID)
}

func TestRerank_WindowCapped(t *testing.T) {
	e := testEngine()
	e.config.MaxRerank = 3
	stub := &stubReranker{}
	e.reranker = stub

	_, err := e.rerank(context.Background(), "query", rerankFixture(10), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, stub.gotDocs)

	// A short candidate list bounds the window too.
	_, err = e.rerank(context.Background(), "query", rerankFixture(2), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.gotDocs)
}

func TestNormalizeRank(t *testing.T) {
	assert.Equal(t, 0.0, normalizeRank(0))
	assert.Greater(t, normalizeRank(0.5), normalizeRank(0.1))
	assert.Less(t, normalizeRank(100), 1.0)
}

func TestSeedTerms(t *testing.T) {
	seeds := seedTerms("what does Alice know about Project Phoenix and Alice's team")
	assert.Equal(t, []string{"Alice", "Project Phoenix"}, seeds)

	assert.Empty(t, seedTerms("all lowercase query with no names"))
}

func TestResolveAdaptive(t *testing.T) {
	e := testEngine()

	// Multiple named entities lean on every source.
	assert.Equal(t, models.StrategyHybrid, e.resolveAdaptive("how do Alice and Bob collaborate"))

	// A single entity in a short query walks the graph.
	assert.Equal(t, models.StrategyGraphTraversal, e.resolveAdaptive("who knows Alice"))

	// Short keyword queries go semantic.
	assert.Equal(t, models.StrategySemanticChunks, e.resolveAdaptive("deployment checklist"))

	// Longer prose defaults to hybrid.
	assert.Equal(t, models.StrategyHybrid, e.resolveAdaptive("what were the main decisions from the retrospective last month"))
}

func TestContentTypeSet(t *testing.T) {
	set := contentTypeSet(nil)
	assert.True(t, wants(set, models.ContentTypeMemories))
	assert.True(t, wants(set, models.ContentTypeDocuments))

	set = contentTypeSet([]models.ContentType{models.ContentTypeDocuments})
	assert.True(t, wants(set, models.ContentTypeDocuments))
	assert.False(t, wants(set, models.ContentTypeMemories))
}

func TestGroupByType(t *testing.T) {
	items := []models.RetrievedItem{
		{ID: uuid.New(), Type: models.ContentTypeMemories},
		{ID: uuid.New(), Type: models.ContentTypeDocuments},
		{ID: uuid.New(), Type: models.ContentTypeMemories},
	}

	grouped := groupByType(items)
	assert.Len(t, grouped[models.ContentTypeMemories], 2)
	assert.Len(t, grouped[models.ContentTypeDocuments], 1)

	assert.Nil(t, groupByType(nil))
}

func TestTopRelevance(t *testing.T) {
	assert.Equal(t, 0.0, topRelevance(nil))

	items := []models.RetrievedItem{
		{Score: 0.9}, {Score: 0.6}, {Score: 0.3}, {Score: 0.1},
	}
	assert.InDelta(t, 0.6, topRelevance(items), 0.001)

	assert.InDelta(t, 0.9, topRelevance(items[:1]), 0.001)
}

func TestSnippet(t *testing.T) {
	short := "short content"
	assert.Equal(t, short, snippet(short))

	long := ""
	for len(long) < 600 {
		long += "several words of padding here "
	}
	out := snippet(long)
	assert.LessOrEqual(t, len(out), snippetLen+3)
	assert.Contains(t, out, "...")
}
