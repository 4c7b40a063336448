package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the narrow slice of the task table the worker touches:
// progress only. Status transitions belong to the orchestration side.
type Repository interface {
	UpdateTaskProgress(ctx context.Context, taskID string, progress int) error
}

type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// UpdateTaskProgress raises progress monotonically while the task is still
// active. Late progress writes after a terminal transition are dropped by
// the status guard.
func (r *PostgresRepo) UpdateTaskProgress(ctx context.Context, taskID string, progress int) error {
	query := `UPDATE tasks
		SET progress = GREATEST(progress, $1), updated_at = NOW()
		WHERE task_id = $2 AND status IN ('queued', 'running')`

	_, err := r.db.Exec(ctx, query, progress, taskID)
	return err
}
