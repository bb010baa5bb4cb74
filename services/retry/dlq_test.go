package retry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from    models.DeadLetterStatus
		to      models.DeadLetterStatus
		allowed bool
	}{
		{models.DLQStatusPending, models.DLQStatusProcessing, true},
		{models.DLQStatusPending, models.DLQStatusArchived, true},
		{models.DLQStatusPending, models.DLQStatusResolved, false},
		{models.DLQStatusProcessing, models.DLQStatusResolved, true},
		{models.DLQStatusProcessing, models.DLQStatusPending, true},
		{models.DLQStatusProcessing, models.DLQStatusArchived, false},
		{models.DLQStatusResolved, models.DLQStatusArchived, true},
		{models.DLQStatusResolved, models.DLQStatusPending, false},
		{models.DLQStatusArchived, models.DLQStatusPending, false},
		{models.DLQStatusArchived, models.DLQStatusProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, transitionAllowed(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestProcessor_IsTransient(t *testing.T) {
	p := &Processor{
		config: &config.DLQConfig{
			TransientPatterns: []string{"timeout", "network", "connection"},
		},
	}

	assert.True(t, p.isTransient(&models.DeadLetterEntry{
		Errors: []string{"dial tcp: Connection refused"},
	}))
	assert.True(t, p.isTransient(&models.DeadLetterEntry{
		Errors: []string{"invalid payload", "context deadline: TIMEOUT"},
	}))

	// The exhaustion reason classifies on its own.
	assert.True(t, p.isTransient(&models.DeadLetterEntry{
		Reason: "network partition during merge",
	}))

	assert.False(t, p.isTransient(&models.DeadLetterEntry{
		Errors: []string{"failed to unmarshal payload"},
	}))
	assert.False(t, p.isTransient(&models.DeadLetterEntry{}))
}

func TestProcessor_TaskMeta(t *testing.T) {
	p := &Processor{config: &config.DLQConfig{}}

	meta, err := json.Marshal(map[string]interface{}{
		models.DLQMetaTaskType: "enrichment",
		models.DLQMetaTaskParams: map[string]interface{}{
			"content": "hello",
		},
	})
	require.NoError(t, err)

	taskType, params := p.taskMeta(&models.DeadLetterEntry{Metadata: meta})
	assert.Equal(t, "enrichment", taskType)
	assert.Equal(t, "hello", params["content"])

	taskType, params = p.taskMeta(&models.DeadLetterEntry{})
	assert.Empty(t, taskType)
	assert.Nil(t, params)

	taskType, _ = p.taskMeta(&models.DeadLetterEntry{Metadata: []byte("not json")})
	assert.Empty(t, taskType)
}
