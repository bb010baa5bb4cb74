package tasks

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
)

// StateDesynchronizationError reports divergence the active strategy could
// not resolve on its own. It carries the field diff for the caller.
type StateDesynchronizationError struct {
	TaskID string
	Diff   models.TaskDiff
	Cause  error
}

func (e *StateDesynchronizationError) Error() string {
	msg := fmt.Sprintf("task %s state desynchronized (memory_missing=%v repository_missing=%v)",
		e.TaskID, e.Diff.MemoryMissing, e.Diff.RepositoryMissing)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StateDesynchronizationError) Unwrap() error {
	return e.Cause
}

// taskStore is the slice of the repository the reconciler needs
type taskStore interface {
	All(ctx context.Context) ([]models.Task, error)
	Save(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id string) error
}

// Reconciler periodically compares the manager's hot map against the
// repository and converges them using the configured strategy.
type Reconciler struct {
	manager  *Manager
	repo     taskStore
	strategy string
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats models.ReconciliationMetrics
}

// NewReconciler creates the state reconciler
func NewReconciler(manager *Manager, repo *Repository, strategy string, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		manager:  manager,
		repo:     repo,
		strategy: strategy,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start launches the reconciliation loop
func (r *Reconciler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.ReconcileAll(ctx); err != nil {
					r.logger.Warn("reconciliation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReconcileAll diffs every known task across both copies and converges each
// divergent pair.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	start := time.Now()

	repoTasks, err := r.repo.All(ctx)
	if err != nil {
		return err
	}
	repoByID := make(map[string]*models.Task, len(repoTasks))
	for i := range repoTasks {
		repoByID[repoTasks[i].ID] = &repoTasks[i]
	}
	memByID := r.manager.snapshot()

	ids := make(map[string]struct{}, len(repoByID)+len(memByID))
	for id := range repoByID {
		ids[id] = struct{}{}
	}
	for id := range memByID {
		ids[id] = struct{}{}
	}

	for id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		action, err := r.ReconcileTask(ctx, memByID[id], repoByID[id])
		if err != nil {
			r.record(false, time.Since(start))
			r.metrics.Reconciliations.WithLabelValues("error").Inc()
			r.logger.Warn("task reconciliation failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if action != models.ReconcileNone {
			r.metrics.Reconciliations.WithLabelValues(string(action)).Inc()
			r.record(true, time.Since(start))
		}
	}
	return nil
}

// ReconcileTask converges one (memory, repository) pair. Either side may be
// nil. A strategy that cannot converge the pair returns a
// StateDesynchronizationError carrying the diff.
func (r *Reconciler) ReconcileTask(ctx context.Context, mem, repo *models.Task) (models.ReconciliationAction, error) {
	diff := diffTasks(mem, repo)
	if !diff.Any() {
		return models.ReconcileNone, nil
	}

	var (
		action models.ReconciliationAction
		err    error
	)
	switch r.strategy {
	case "repository-first":
		action, err = r.repositoryFirst(ctx, mem, repo)
	case "memory-first":
		action, err = r.memoryFirst(ctx, mem, repo)
	case "status-based":
		action, err = r.statusBased(ctx, mem, repo)
	default: // version-based
		action, err = r.versionBased(ctx, mem, repo)
	}
	if err != nil {
		return action, &StateDesynchronizationError{TaskID: diff.TaskID, Diff: diff, Cause: err}
	}
	return action, nil
}

func diffTasks(mem, repo *models.Task) models.TaskDiff {
	diff := models.TaskDiff{}
	if mem == nil && repo == nil {
		return diff
	}
	if mem == nil {
		diff.TaskID = repo.ID
		diff.MemoryMissing = true
		return diff
	}
	if repo == nil {
		diff.TaskID = mem.ID
		diff.RepositoryMissing = true
		return diff
	}

	diff.TaskID = mem.ID
	diff.StatusDiffers = mem.Status != repo.Status
	diff.VersionDiffers = mem.Version != repo.Version
	diff.ResultDiffers = !bytes.Equal(mem.Result, repo.Result)
	diff.ErrorDiffers = mem.Error != repo.Error
	diff.CompletedAtDiffers = !timePtrEqual(mem.CompletedAt, repo.CompletedAt)
	return diff
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// repositoryFirst treats the repository as authoritative
func (r *Reconciler) repositoryFirst(ctx context.Context, mem, repo *models.Task) (models.ReconciliationAction, error) {
	if repo == nil {
		// The row is gone; the hot copy is an orphan.
		r.manager.Forget(mem.ID)
		return models.ReconcileMemoryUpdated, nil
	}
	r.manager.replace(repo)
	return models.ReconcileMemoryUpdated, nil
}

// memoryFirst treats the hot map as authoritative
func (r *Reconciler) memoryFirst(ctx context.Context, mem, repo *models.Task) (models.ReconciliationAction, error) {
	if mem == nil {
		if err := r.repo.Delete(ctx, repo.ID); err != nil && err != ErrTaskNotFound {
			return models.ReconcileNone, err
		}
		return models.ReconcileRepositoryDeleted, nil
	}
	if err := r.repo.Save(ctx, mem); err != nil {
		return models.ReconcileNone, err
	}
	return models.ReconcileRepositoryUpdated, nil
}

// versionBased lets the higher version win; ties defer to the repository
func (r *Reconciler) versionBased(ctx context.Context, mem, repo *models.Task) (models.ReconciliationAction, error) {
	if mem == nil {
		r.manager.replace(repo)
		return models.ReconcileMemoryUpdated, nil
	}
	if repo == nil {
		if err := r.repo.Save(ctx, mem); err != nil {
			return models.ReconcileNone, err
		}
		return models.ReconcileRepositoryUpdated, nil
	}

	if mem.Version > repo.Version {
		if err := r.repo.Save(ctx, mem); err != nil {
			return models.ReconcileNone, err
		}
		return models.ReconcileRepositoryUpdated, nil
	}
	r.manager.replace(repo)
	return models.ReconcileMemoryUpdated, nil
}

// statusBased lets the further-progressed status win; rank ties fall back to
// the version rule.
func (r *Reconciler) statusBased(ctx context.Context, mem, repo *models.Task) (models.ReconciliationAction, error) {
	if mem == nil || repo == nil {
		return r.versionBased(ctx, mem, repo)
	}

	memRank, repoRank := mem.Status.Rank(), repo.Status.Rank()
	switch {
	case memRank > repoRank:
		if err := r.repo.Save(ctx, mem); err != nil {
			return models.ReconcileNone, err
		}
		return models.ReconcileRepositoryUpdated, nil
	case repoRank > memRank:
		r.manager.replace(repo)
		return models.ReconcileMemoryUpdated, nil
	default:
		return r.versionBased(ctx, mem, repo)
	}
}

func (r *Reconciler) record(success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Total++
	if success {
		r.stats.Successes++
	} else {
		r.stats.Failures++
	}
	if r.stats.Total > 0 {
		prev := r.stats.AvgDuration
		r.stats.AvgDuration = prev + (duration-prev)/time.Duration(r.stats.Total)
	}
	r.stats.LastReconciled = time.Now()
}

// Metrics returns a snapshot of reconciler activity
func (r *Reconciler) Metrics() models.ReconciliationMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
