package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"geoProcessor/api/database"
	"geoProcessor/api/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id             TEXT PRIMARY KEY,
	task_type           TEXT NOT NULL,
	owner_id            TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	progress            INT NOT NULL DEFAULT 0,
	external_job_id     TEXT NOT NULL DEFAULT '',
	external_job_status TEXT NOT NULL DEFAULT '',
	parameters          JSONB NOT NULL,
	result              JSONB,
	error_message       TEXT NOT NULL DEFAULT '',
	retry_count         INT NOT NULL DEFAULT 0,
	max_retries         INT NOT NULL DEFAULT 3,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	expires_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status, created_at DESC);
CREATE INDEX IF NOT EXISTS tasks_external_job_idx ON tasks (external_job_id);
CREATE INDEX IF NOT EXISTS tasks_expires_idx ON tasks (expires_at);
`

const taskColumns = `task_id, task_type, owner_id, status, progress, external_job_id,
	external_job_status, parameters, result, error_message, retry_count,
	max_retries, created_at, updated_at, started_at, completed_at, expires_at`

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Migrate creates the tasks table and its indexes if they do not exist.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, schema)
	return err
}

func (r *PostgresRepo) Create(ctx context.Context, task *models.Task) error {
	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO tasks (task_id, task_type, owner_id, status, progress,
			parameters, retry_count, max_retries, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		task.ID,
		task.Type,
		task.Owner,
		task.Status,
		task.Progress,
		params,
		task.RetryCount,
		task.MaxRetries,
		task.ExpiresAt,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	return scanTask(row)
}

func (r *PostgresRepo) GetByExternalJobID(ctx context.Context, jobID string) (*models.Task, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE external_job_id = $1`, jobID)
	return scanTask(row)
}

func (r *PostgresRepo) List(ctx context.Context, filter ListFilter) ([]*models.Task, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, filter.Limit)
	limitClause := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	limitClause += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks`+where+limitClause, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *PostgresRepo) ListActive(ctx context.Context, limit int) ([]*models.Task, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ($1, $2)
		 ORDER BY created_at ASC
		 LIMIT $3`,
		models.StatusQueued, models.StatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, update TaskUpdate) (*models.Task, error) {
	if !models.CanTransition(update.ObservedStatus, update.NewStatus) {
		return nil, ErrInvalidTransition
	}

	query := `UPDATE tasks SET status = $1, updated_at = NOW()`
	args := []interface{}{update.NewStatus}

	if update.NewStatus == models.StatusRunning {
		query += `, started_at = COALESCE(started_at, NOW())`
	}
	if models.IsTerminal(update.NewStatus) {
		query += `, completed_at = NOW()`
	}

	if update.NewStatus == models.StatusCompleted {
		query += `, progress = 100`
	} else if update.Progress != nil {
		args = append(args, *update.Progress)
		query += fmt.Sprintf(`, progress = GREATEST(progress, $%d)`, len(args))
	}

	if update.ExternalJobID != nil {
		args = append(args, *update.ExternalJobID)
		query += fmt.Sprintf(`, external_job_id = $%d`, len(args))
	}
	if update.ExternalJobStatus != nil {
		args = append(args, *update.ExternalJobStatus)
		query += fmt.Sprintf(`, external_job_status = $%d`, len(args))
	}
	if update.RetryCount != nil {
		args = append(args, *update.RetryCount)
		query += fmt.Sprintf(`, retry_count = $%d`, len(args))
	}
	if update.Result != nil {
		result, err := json.Marshal(update.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		args = append(args, result)
		query += fmt.Sprintf(`, result = $%d`, len(args))
	}
	if update.ErrorMessage != nil {
		args = append(args, *update.ErrorMessage)
		query += fmt.Sprintf(`, error_message = $%d`, len(args))
	}

	args = append(args, update.ID)
	query += fmt.Sprintf(` WHERE task_id = $%d`, len(args))
	args = append(args, update.ObservedStatus)
	query += fmt.Sprintf(` AND status = $%d`, len(args))
	query += ` RETURNING ` + taskColumns

	row := r.db.Pool.QueryRow(ctx, query, args...)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	// The conditional write matched nothing: either the task is gone or its
	// status moved under us.
	if _, getErr := r.Get(ctx, update.ID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStatusConflict
}

func (r *PostgresRepo) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE tasks SET progress = GREATEST(progress, $2), updated_at = NOW()
		 WHERE task_id = $1 AND status IN ($3, $4)`,
		id, progress, models.StatusQueued, models.StatusRunning)
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *PostgresRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var params []byte
	var result []byte

	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Owner,
		&task.Status,
		&task.Progress,
		&task.ExternalJobID,
		&task.ExternalJobStatus,
		&params,
		&result,
		&task.ErrorMessage,
		&task.RetryCount,
		&task.MaxRetries,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(params, &task.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters for %s: %w", task.ID, err)
	}
	if result != nil {
		task.Result = &models.Result{}
		if err := json.Unmarshal(result, task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result for %s: %w", task.ID, err)
		}
	}

	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
