package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geoProcessor/api/cache"
	"geoProcessor/api/dto"
	"geoProcessor/api/jobrunner"
	"geoProcessor/api/models"
	"geoProcessor/api/repository"
	"geoProcessor/api/validation"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TaskService implements the orchestration boundary: it validates submit
// requests, creates task records, hands them to the submitter and answers
// get/list/cancel.
type TaskService struct {
	repo      repository.Repository
	cache     cache.StatusCache
	runner    jobrunner.Client
	guard     *validation.GeometryGuard
	submitter *Submitter
	logger    *zap.Logger

	retention  time.Duration
	maxRetries int
}

func NewTaskService(
	repo repository.Repository,
	statusCache cache.StatusCache,
	runner jobrunner.Client,
	guard *validation.GeometryGuard,
	submitter *Submitter,
	logger *zap.Logger,
	retention time.Duration,
	maxRetries int,
) *TaskService {
	return &TaskService{
		repo:       repo,
		cache:      statusCache,
		runner:     runner,
		guard:      guard,
		submitter:  submitter,
		logger:     logger,
		retention:  retention,
		maxRetries: maxRetries,
	}
}

func (s *TaskService) Submit(ctx context.Context, owner string, req *dto.SubmitTaskRequest) (*dto.SubmitTaskResponse, error) {
	taskType, params, err := s.buildParameters(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:         newTaskID(),
		Type:       taskType,
		Owner:      owner,
		Status:     models.StatusQueued,
		Parameters: *params,
		MaxRetries: s.maxRetries,
		ExpiresAt:  now.Add(s.retention),
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, task.ID, task.Status, task.Progress)

	task, err = s.submitter.Submit(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, task.ID, task.Status, task.Progress)

	s.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.String("status", string(task.Status)),
	)

	return &dto.SubmitTaskResponse{TaskID: task.ID, Status: string(task.Status)}, nil
}

func (s *TaskService) Get(ctx context.Context, taskID string) (*dto.TaskResponse, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, dto.ErrTaskNotFound
		}
		return nil, err
	}
	s.cacheStatus(ctx, task.ID, task.Status, task.Progress)
	return dto.FromTask(task), nil
}

// GetStatus is the cheap polling path: cache first, repository on a miss.
func (s *TaskService) GetStatus(ctx context.Context, taskID string) (*dto.TaskStatusResponse, error) {
	if entry, err := s.cache.Get(ctx, taskID); err == nil && models.ValidStatus(entry.Status) {
		return &dto.TaskStatusResponse{TaskID: taskID, Status: string(entry.Status), Progress: entry.Progress}, nil
	}

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, dto.ErrTaskNotFound
		}
		return nil, err
	}
	s.cacheStatus(ctx, task.ID, task.Status, task.Progress)
	return &dto.TaskStatusResponse{TaskID: task.ID, Status: string(task.Status), Progress: task.Progress}, nil
}

func (s *TaskService) List(ctx context.Context, q *dto.ListQuery) (*dto.TaskListResponse, error) {
	filter := repository.ListFilter{
		Owner:  q.Owner,
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if q.Status != "" {
		status := models.TaskStatus(q.Status)
		if !models.ValidStatus(status) {
			return nil, &validation.ValidationError{Kind: validation.KindParameters, Detail: "unknown status " + q.Status}
		}
		filter.Status = &status
	}

	tasks, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	resp := &dto.TaskListResponse{
		Tasks:  make([]*dto.TaskResponse, 0, len(tasks)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, dto.FromTask(t))
	}
	return resp, nil
}

// Cancel stops a task. Queued tasks cancel unconditionally; running tasks
// first get a termination request to the external queue. A task that reached
// a terminal state concurrently is returned unchanged — which terminal state
// wins the race is deliberately unspecified.
func (s *TaskService) Cancel(ctx context.Context, taskID string) (*dto.TaskResponse, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, dto.ErrTaskNotFound
		}
		return nil, err
	}

	for attempt := 0; attempt < 2 && !models.IsTerminal(task.Status); attempt++ {
		if task.Status == models.StatusRunning && task.ExternalJobID != "" {
			if err := s.runner.Terminate(ctx, task.ExternalJobID, "cancelled by user"); err != nil {
				s.logger.Warn("Terminate request failed",
					zap.String("task_id", taskID),
					zap.String("job_id", task.ExternalJobID),
					zap.Error(err),
				)
			}
		}

		updated, err := s.repo.UpdateStatus(ctx, repository.TaskUpdate{
			ID:             taskID,
			ObservedStatus: task.Status,
			NewStatus:      models.StatusCancelled,
		})
		if err == nil {
			s.cacheStatus(ctx, taskID, updated.Status, updated.Progress)
			s.logger.Info("Task cancelled", zap.String("task_id", taskID))
			return dto.FromTask(updated), nil
		}
		if !errors.Is(err, repository.ErrStatusConflict) {
			return nil, err
		}

		// Lost a race with the reconciler or submitter; re-read and retry.
		task, err = s.repo.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
	}

	return dto.FromTask(task), nil
}

func (s *TaskService) buildParameters(req *dto.SubmitTaskRequest) (models.TaskType, *models.Parameters, error) {
	aoi, err := s.guard.ValidateAOI(req.AOI)
	if err != nil {
		return "", nil, err
	}

	switch models.TaskType(req.TaskType) {
	case models.TaskTypeIndices:
		// Upper-case and dedupe: "ndvi" and "NDVI" name one output.
		indices := make([]models.IndexName, 0, len(req.Indices))
		seen := make(map[models.IndexName]bool, len(req.Indices))
		for _, name := range req.Indices {
			idx := models.IndexName(strings.ToUpper(name))
			if seen[idx] {
				continue
			}
			seen[idx] = true
			indices = append(indices, idx)
		}
		if err := s.guard.ValidateIndices(indices, req.BandURLs, req.ApplyCloudMask, req.QABandURL); err != nil {
			return "", nil, err
		}
		return models.TaskTypeIndices, &models.Parameters{
			Indices: &models.IndicesParameters{
				AOI:            aoi,
				BandURLs:       req.BandURLs,
				Indices:        indices,
				ApplyCloudMask: req.ApplyCloudMask,
				QABandURL:      req.QABandURL,
				Satellite:      req.Satellite,
				SAVIL:          req.SAVIL,
				Extent:         req.Extent,
			},
		}, nil

	case models.TaskTypeComposite:
		index := models.IndexName(strings.ToUpper(req.Index))
		images := make([]models.CompositeImage, 0, len(req.Images))
		for _, img := range req.Images {
			images = append(images, models.CompositeImage{
				BandURLs:   img.BandURLs,
				QABandURL:  img.QABandURL,
				AcquiredAt: img.AcquiredAt,
			})
		}
		if err := s.guard.ValidateComposite(index, req.CompositeMode, images, req.ApplyCloudMask); err != nil {
			return "", nil, err
		}
		mode := req.CompositeMode
		if mode == "" {
			mode = "monthly"
		}
		return models.TaskTypeComposite, &models.Parameters{
			Composite: &models.CompositeParameters{
				AOI:            aoi,
				Images:         images,
				Index:          index,
				CompositeMode:  mode,
				ApplyCloudMask: req.ApplyCloudMask,
				Satellite:      req.Satellite,
				Extent:         req.Extent,
			},
		}, nil
	}

	return "", nil, &validation.ValidationError{
		Kind:   validation.KindParameters,
		Detail: "task_type must be indices or composite",
	}
}

func (s *TaskService) cacheStatus(ctx context.Context, taskID string, status models.TaskStatus, progress int) {
	if err := s.cache.Set(ctx, taskID, cache.Entry{Status: status, Progress: progress}); err != nil {
		s.logger.Warn("Status cache write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func newTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
