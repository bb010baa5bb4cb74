package retry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

type capturePublisher struct {
	events []models.DeadLetterEvent
}

func (c *capturePublisher) Publish(ctx context.Context, event interface{}) error {
	c.events = append(c.events, event.(models.DeadLetterEvent))
	return nil
}

func TestPublishEvent_CarriesEntryContext(t *testing.T) {
	pub := &capturePublisher{}
	p := &Processor{
		events: pub,
		config: &config.DLQConfig{},
		logger: zap.NewNop(),
	}

	entry := &models.DeadLetterEntry{
		ID:       uuid.New(),
		TaskID:   "t1",
		Reason:   "non_retryable_configuration",
		Attempts: 4,
		Errors:   []string{"authentication failed"},
	}
	p.publishEvent(context.Background(), entry, models.DLQEventManualReviewRequired)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.DLQEventManualReviewRequired, event.Type)
	assert.Equal(t, entry.ID, event.EntryID)
	assert.Equal(t, "t1", event.TaskID)
	assert.Equal(t, "non_retryable_configuration", event.Reason)
	assert.Equal(t, 4, event.Attempts)
	assert.Equal(t, []string{"authentication failed"}, event.Errors)
	assert.False(t, event.Timestamp.IsZero())
}

func TestPublishEvent_NilPublisherIsNoop(t *testing.T) {
	p := &Processor{
		config: &config.DLQConfig{},
		logger: zap.NewNop(),
	}
	p.publishEvent(context.Background(), &models.DeadLetterEntry{TaskID: "t1"}, models.DLQEventRetryFailed)
}
