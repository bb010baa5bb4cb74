package services

import (
	"context"
	"errors"

	"github.com/tas-graphrag/models"
)

// ErrQueueFull is returned by Enqueue when pending depth hits the
// configured ceiling.
var ErrQueueFull = errors.New("enrichment queue is full")

// EnrichmentScheduler accepts enrichment jobs for background processing.
// Enqueueing the same job id twice is a no-op while the first is in flight.
type EnrichmentScheduler interface {
	Enqueue(ctx context.Context, job *models.EnrichmentJob) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// Enricher runs the enrichment pipeline for one job. The synchronous ingest
// path calls it inline; workers call it from the queue.
type Enricher interface {
	Enrich(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentOutcome, error)
}
