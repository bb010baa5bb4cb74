package impl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
)

func TestTriage_ForcedFlags(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	result, err := classifier.Classify(context.Background(), "anything", &models.StoreMemoryRequest{
		ForceEpisodicStorage: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriageEpisodic, result.Decision)
	assert.Equal(t, 1.0, result.Confidence)

	result, err = classifier.Classify(context.Background(), "anything", &models.StoreMemoryRequest{
		ForceEntityExtraction: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriageExtractEntities, result.Decision)
	assert.Equal(t, 1.0, result.Confidence)

	// Episodic wins when both are set.
	result, err = classifier.Classify(context.Background(), "anything", &models.StoreMemoryRequest{
		ForceEpisodicStorage:  true,
		ForceEntityExtraction: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriageEpisodic, result.Decision)
}

func TestTriage_PreIdentifiedEntities(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	result, err := classifier.Classify(context.Background(), "short note", &models.StoreMemoryRequest{
		PreIdentifiedEntities: []string{"Acme Corp"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriageExtractEntities, result.Decision)
	assert.InDelta(t, 0.95, result.Confidence, 0.001)
}

func TestTriage_ShortContentStoresOnly(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	result, err := classifier.Classify(context.Background(), "remember this please", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageStoreOnly, result.Decision)
}

func TestTriage_NamedEntitiesTriggerExtraction(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	content := "the migration plan says Alice now reports to Bob and the rollout starts next quarter"
	result, err := classifier.Classify(context.Background(), content, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageExtractEntities, result.Decision)
}

func TestTriage_RelationalPhrasingTriggersExtraction(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	content := "the billing service depends on the ledger service for all settlement operations"
	result, err := classifier.Classify(context.Background(), content, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageExtractEntities, result.Decision)
}

func TestTriage_NarrativeBecomesEpisodic(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	content := "yesterday the incident started when the cache cluster failed over, " +
		"and then Alice paged the on-call rotation while Bob started draining traffic " +
		"away from the degraded region, after that the team rolled the config back and " +
		"watched error rates recover, finally the postmortem was scheduled for friday " +
		"so everyone could review what happened and agree on the remediation items together"
	result, err := classifier.Classify(context.Background(), content, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageEpisodic, result.Decision)
}

func TestTriage_PlainProseStoresOnly(t *testing.T) {
	classifier := NewTriageClassifier(zap.NewNop())

	content := "the weather has been fairly mild lately and nothing much else happened around here today"
	result, err := classifier.Classify(context.Background(), content, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageStoreOnly, result.Decision)
}
