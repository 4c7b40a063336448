package repository

import (
	"context"
	"errors"
	"time"

	"geoProcessor/api/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrStatusConflict is returned when a conditional update observes a
	// status different from the stored one. The caller re-reads before
	// retrying; this keeps concurrent reconciliation and cancellation safe.
	ErrStatusConflict = errors.New("task status changed since last read")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskUpdate is the only way a task record changes after creation.
// ObservedStatus is the status the caller last read; the update applies only
// if the stored status still matches it.
type TaskUpdate struct {
	ID                string
	ObservedStatus    models.TaskStatus
	NewStatus         models.TaskStatus
	Progress          *int
	ExternalJobID     *string
	ExternalJobStatus *string
	RetryCount        *int
	Result            *models.Result
	ErrorMessage      *string
}

// ListFilter narrows List results. A nil Status means all statuses; an empty
// Owner means all owners.
type ListFilter struct {
	Status *models.TaskStatus
	Owner  string
	Limit  int
	Offset int
}

type Repository interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	GetByExternalJobID(ctx context.Context, jobID string) (*models.Task, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Task, int, error)

	// ListActive returns tasks in the queued or running status, oldest first.
	ListActive(ctx context.Context, limit int) ([]*models.Task, error)

	// UpdateStatus applies a conditional transition and returns the updated
	// record. ErrStatusConflict when the observed status no longer matches,
	// ErrInvalidTransition when the transition is not in the status graph.
	UpdateStatus(ctx context.Context, update TaskUpdate) (*models.Task, error)

	// UpdateProgress raises progress monotonically while the task is active.
	UpdateProgress(ctx context.Context, id string, progress int) error

	Delete(ctx context.Context, id string) error

	// DeleteExpired removes task records whose TTL has passed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
