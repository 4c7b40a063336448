package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"geoProcessor/api/models"
)

// InMemoryRepo is a mutex-guarded repository with the same conditional-write
// semantics as the Postgres implementation. Used in tests and for running
// the service without a database.
type InMemoryRepo struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{tasks: make(map[string]*models.Task)}
}

func (r *InMemoryRepo) Create(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	clone := *task
	r.tasks[task.ID] = &clone
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, id string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *InMemoryRepo) GetByExternalJobID(_ context.Context, jobID string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.ExternalJobID == jobID && jobID != "" {
			clone := *t
			return &clone, nil
		}
	}
	return nil, ErrTaskNotFound
}

func (r *InMemoryRepo) List(_ context.Context, filter ListFilter) ([]*models.Task, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.Task
	for _, t := range r.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Owner != "" && t.Owner != filter.Owner {
			continue
		}
		clone := *t
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (r *InMemoryRepo) ListActive(_ context.Context, limit int) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []*models.Task
	for _, t := range r.tasks {
		if models.IsActive(t.Status) {
			clone := *t
			active = append(active, &clone)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

func (r *InMemoryRepo) UpdateStatus(_ context.Context, update TaskUpdate) (*models.Task, error) {
	if !models.CanTransition(update.ObservedStatus, update.NewStatus) {
		return nil, ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[update.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != update.ObservedStatus {
		return nil, ErrStatusConflict
	}

	now := time.Now().UTC()
	t.Status = update.NewStatus
	t.UpdatedAt = now

	if update.NewStatus == models.StatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if models.IsTerminal(update.NewStatus) {
		completed := now
		t.CompletedAt = &completed
	}

	if update.NewStatus == models.StatusCompleted {
		t.Progress = 100
	} else if update.Progress != nil && *update.Progress > t.Progress {
		t.Progress = *update.Progress
	}

	if update.ExternalJobID != nil {
		t.ExternalJobID = *update.ExternalJobID
	}
	if update.ExternalJobStatus != nil {
		t.ExternalJobStatus = *update.ExternalJobStatus
	}
	if update.RetryCount != nil {
		t.RetryCount = *update.RetryCount
	}
	if update.Result != nil {
		t.Result = update.Result
	}
	if update.ErrorMessage != nil {
		t.ErrorMessage = *update.ErrorMessage
	}

	clone := *t
	return &clone, nil
}

func (r *InMemoryRepo) UpdateProgress(_ context.Context, id string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !models.IsActive(t.Status) {
		return nil
	}
	if progress > t.Progress {
		t.Progress = progress
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, t := range r.tasks {
		if t.ExpiresAt.Before(before) {
			delete(r.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *InMemoryRepo) getLocked(id string) (*models.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}
