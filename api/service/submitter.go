package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"geoProcessor/api/jobrunner"
	"geoProcessor/api/models"
	"geoProcessor/api/repository"
)

// Submitter hands queued tasks to the external job queue. Submit is
// idempotent: a task that already carries an external job id is returned
// as-is, so retried HTTP requests and reconciler nudges never enqueue a
// second job for the same task.
type Submitter struct {
	repo    repository.Repository
	runner  jobrunner.Client
	logger  *zap.Logger
	backoff time.Duration
}

func NewSubmitter(repo repository.Repository, runner jobrunner.Client, logger *zap.Logger, backoff time.Duration) *Submitter {
	return &Submitter{repo: repo, runner: runner, logger: logger, backoff: backoff}
}

func (s *Submitter) Submit(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ExternalJobID != "" || task.Status != models.StatusQueued {
		return task, nil
	}

	unit := &jobrunner.WorkUnit{
		TaskID:       task.ID,
		TaskType:     string(task.Type),
		Parameters:   task.Parameters,
		OutputPrefix: task.OutputPrefix(),
	}

	var jobID string
	var submitErr error
	attempts := task.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retries := task.RetryCount + attempt
			if _, err := s.repo.UpdateStatus(ctx, repository.TaskUpdate{
				ID:             task.ID,
				ObservedStatus: models.StatusQueued,
				NewStatus:      models.StatusQueued,
				RetryCount:     &retries,
			}); err != nil {
				// Someone moved the task out of queued; stop resubmitting.
				return s.repo.Get(ctx, taskID)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}

		jobID, submitErr = s.runner.Submit(ctx, unit)
		if submitErr == nil {
			break
		}
		s.logger.Warn("Job submission failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(submitErr),
		)
	}

	if submitErr != nil {
		msg := "job submission failed: " + submitErr.Error()
		failed, err := s.repo.UpdateStatus(ctx, repository.TaskUpdate{
			ID:             task.ID,
			ObservedStatus: models.StatusQueued,
			NewStatus:      models.StatusFailed,
			ErrorMessage:   &msg,
		})
		if err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return s.repo.Get(ctx, taskID)
			}
			return nil, err
		}
		return failed, nil
	}

	extStatus := string(jobrunner.StateSubmitted)
	updated, err := s.repo.UpdateStatus(ctx, repository.TaskUpdate{
		ID:                taskID,
		ObservedStatus:    models.StatusQueued,
		NewStatus:         models.StatusQueued,
		ExternalJobID:     &jobID,
		ExternalJobStatus: &extStatus,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Cancelled between enqueue and the record update. The job is
			// already on the queue, so flag it for termination.
			if termErr := s.runner.Terminate(ctx, jobID, "task cancelled"); termErr != nil {
				s.logger.Warn("Terminate after cancel race failed",
					zap.String("task_id", taskID),
					zap.String("job_id", jobID),
					zap.Error(termErr),
				)
			}
			return s.repo.Get(ctx, taskID)
		}
		return nil, err
	}

	s.logger.Info("Job submitted",
		zap.String("task_id", taskID),
		zap.String("job_id", jobID),
	)
	return updated, nil
}
