// Package reconciler polls the external job queue and folds observed job
// states back into task records. It is the only writer of the completed and
// externally-failed statuses.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geoProcessor/api/cache"
	"geoProcessor/api/jobrunner"
	"geoProcessor/api/models"
	"geoProcessor/api/repository"
)

// stateStatus maps external job states to internal task statuses. Every
// state the compute layer can report has an entry; an unlisted state is a
// contract break and is logged, never guessed at.
var stateStatus = map[jobrunner.State]models.TaskStatus{
	jobrunner.StateSubmitted: models.StatusQueued,
	jobrunner.StatePending:   models.StatusQueued,
	jobrunner.StateRunnable:  models.StatusQueued,
	jobrunner.StateStarting:  models.StatusRunning,
	jobrunner.StateRunning:   models.StatusRunning,
	jobrunner.StateSucceeded: models.StatusCompleted,
	jobrunner.StateFailed:    models.StatusFailed,
}

// Store is the slice of the result store the reconciler needs to confirm
// outputs and mint download URLs.
type Store interface {
	ConfirmExists(ctx context.Context, key string) (bool, error)
	ObjectSize(ctx context.Context, key string) (int64, error)
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type Reconciler struct {
	repo   repository.Repository
	runner jobrunner.Client
	store  Store
	cache  cache.StatusCache
	logger *zap.Logger

	interval    time.Duration
	concurrency int
	batchSize   int
	urlTTL      time.Duration
}

func New(
	repo repository.Repository,
	runner jobrunner.Client,
	store Store,
	statusCache cache.StatusCache,
	logger *zap.Logger,
	interval time.Duration,
	concurrency, batchSize int,
	urlTTL time.Duration,
) *Reconciler {
	return &Reconciler{
		repo:        repo,
		runner:      runner,
		store:       store,
		cache:       statusCache,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		batchSize:   batchSize,
		urlTTL:      urlTTL,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle reconciles every active task once, fanning out across a bounded
// worker set.
func (r *Reconciler) RunCycle(ctx context.Context) {
	tasks, err := r.repo.ListActive(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("Listing active tasks failed", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	sem := make(chan struct{}, r.concurrency)
	done := make(chan struct{})
	for _, task := range tasks {
		sem <- struct{}{}
		go func(t *models.Task) {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			if err := r.ReconcileTask(ctx, t); err != nil {
				r.logger.Error("Reconciling task failed",
					zap.String("task_id", t.ID),
					zap.Error(err),
				)
			}
		}(task)
	}
	for range tasks {
		<-done
	}
}

// ReconcileTask folds one task's external job state into its record. Tasks
// with no external job yet are the submitter's problem and are skipped.
func (r *Reconciler) ReconcileTask(ctx context.Context, task *models.Task) error {
	if task.ExternalJobID == "" || models.IsTerminal(task.Status) {
		return nil
	}

	detail, err := r.runner.Describe(ctx, task.ExternalJobID)
	if err != nil {
		// Transient queue trouble must not mutate the task; the next cycle
		// will see it again.
		r.logger.Warn("Describe failed",
			zap.String("task_id", task.ID),
			zap.String("job_id", task.ExternalJobID),
			zap.Error(err),
		)
		return nil
	}

	target, ok := stateStatus[detail.State]
	if !ok {
		r.logger.Error("Unknown external job state",
			zap.String("task_id", task.ID),
			zap.String("state", string(detail.State)),
		)
		return nil
	}

	return r.apply(ctx, task, detail, target)
}

func (r *Reconciler) apply(ctx context.Context, task *models.Task, detail *jobrunner.JobDetail, target models.TaskStatus) error {
	for attempt := 0; attempt < 2; attempt++ {
		update, err := r.buildUpdate(ctx, task, detail, target)
		if err != nil {
			return err
		}
		if update == nil {
			return nil
		}

		updated, err := r.repo.UpdateStatus(ctx, *update)
		if err == nil {
			r.cacheStatus(ctx, task.ID, updated.Status, updated.Progress)
			if updated.Status != task.Status {
				r.logger.Info("Task status reconciled",
					zap.String("task_id", task.ID),
					zap.String("from", string(task.Status)),
					zap.String("to", string(updated.Status)),
				)
			}
			// succeeded while still queued steps through running first.
			if updated.Status == models.StatusRunning && target == models.StatusCompleted {
				task = updated
				continue
			}
			return nil
		}
		if !errors.Is(err, repository.ErrStatusConflict) {
			return err
		}

		// Concurrent writer won; re-read and decide again from the fresh
		// status. Cancellation in particular must stick.
		task, err = r.repo.Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if models.IsTerminal(task.Status) {
			return nil
		}
	}
	return nil
}

// buildUpdate decides the conditional write for one observed state. A nil
// update with nil error means nothing to record.
func (r *Reconciler) buildUpdate(ctx context.Context, task *models.Task, detail *jobrunner.JobDetail, target models.TaskStatus) (*repository.TaskUpdate, error) {
	extState := string(detail.State)
	update := &repository.TaskUpdate{
		ID:                task.ID,
		ObservedStatus:    task.Status,
		ExternalJobStatus: &extState,
	}

	switch target {
	case models.StatusCompleted:
		if task.Status == models.StatusQueued {
			// No queued to completed edge in the status graph; promote to
			// running and let the caller finish the second step.
			update.NewStatus = models.StatusRunning
			return update, nil
		}
		result, err := r.confirmOutputs(ctx, task)
		if err != nil {
			return nil, err
		}
		if result == nil {
			msg := "job succeeded but expected output is missing from the result store"
			update.NewStatus = models.StatusFailed
			update.ErrorMessage = &msg
			return update, nil
		}
		update.NewStatus = models.StatusCompleted
		update.Result = result
		return update, nil

	case models.StatusFailed:
		msg := "job failed"
		if detail.Reason != "" {
			msg = detail.Reason
		}
		update.NewStatus = models.StatusFailed
		update.ErrorMessage = &msg
		return update, nil

	default:
		if task.Status == target && task.ExternalJobStatus == extState {
			return nil, nil
		}
		if !models.CanTransition(task.Status, target) {
			// running observed as queued again: stale external read, keep
			// the record where it is.
			return nil, nil
		}
		update.NewStatus = target
		return update, nil
	}
}

// confirmOutputs verifies every expected artifact exists in the result store
// and assembles the task result with fresh download URLs. A nil result means
// at least one artifact is missing.
func (r *Reconciler) confirmOutputs(ctx context.Context, task *models.Task) (*models.Result, error) {
	expected, err := r.expectedOutputs(ctx, task)
	if err != nil {
		return nil, err
	}
	if len(expected) == 0 {
		return nil, nil
	}

	result := &models.Result{OutputFiles: make([]models.OutputFile, 0, len(expected))}
	for _, out := range expected {
		exists, err := r.store.ConfirmExists(ctx, out.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("confirming %s: %w", out.StorageKey, err)
		}
		if !exists {
			return nil, nil
		}

		size, err := r.store.ObjectSize(ctx, out.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("sizing %s: %w", out.StorageKey, err)
		}
		url, err := r.store.DownloadURL(ctx, out.StorageKey, r.urlTTL)
		if err != nil {
			return nil, fmt.Errorf("presigning %s: %w", out.StorageKey, err)
		}

		out.SizeBytes = size
		out.DownloadURL = url
		result.OutputFiles = append(result.OutputFiles, out)
	}
	return result, nil
}

// outputManifest is written by the worker next to composite outputs, since
// the number of produced periods is only known after compositing.
type outputManifest struct {
	Files []struct {
		Name       string `json:"name"`
		IndexLabel string `json:"index_label"`
	} `json:"files"`
}

func (r *Reconciler) expectedOutputs(ctx context.Context, task *models.Task) ([]models.OutputFile, error) {
	prefix := task.OutputPrefix()

	switch task.Type {
	case models.TaskTypeIndices:
		if task.Parameters.Indices == nil {
			return nil, fmt.Errorf("task %s has no indices parameters", task.ID)
		}
		outs := make([]models.OutputFile, 0, len(task.Parameters.Indices.Indices))
		for _, idx := range task.Parameters.Indices.Indices {
			name := string(idx) + ".tif"
			outs = append(outs, models.OutputFile{
				Name:       name,
				StorageKey: prefix + name,
				IndexLabel: string(idx),
			})
		}
		return outs, nil

	case models.TaskTypeComposite:
		data, err := r.store.GetObject(ctx, prefix+"manifest.json")
		if err != nil {
			// No manifest yet means the worker has not finished writing.
			return nil, nil
		}
		var manifest outputManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("decoding manifest for %s: %w", task.ID, err)
		}
		outs := make([]models.OutputFile, 0, len(manifest.Files))
		for _, f := range manifest.Files {
			outs = append(outs, models.OutputFile{
				Name:       f.Name,
				StorageKey: prefix + f.Name,
				IndexLabel: f.IndexLabel,
			})
		}
		return outs, nil
	}

	return nil, fmt.Errorf("task %s has unknown type %q", task.ID, task.Type)
}

func (r *Reconciler) cacheStatus(ctx context.Context, taskID string, status models.TaskStatus, progress int) {
	if err := r.cache.Set(ctx, taskID, cache.Entry{Status: status, Progress: progress}); err != nil {
		r.logger.Warn("Status cache write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
