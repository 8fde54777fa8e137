package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"intervia-backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Schedule(ctx context.Context, t *models.ScheduledTask) error {
	t.ID = uuid.New()
	t.Status = "pending"
	t.RetryCount = 0

	query := `INSERT INTO scheduled_tasks (id, session_id, user_id, type, run_at, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		t.ID, t.SessionID, t.UserID, t.Type, t.RunAt, t.Status, t.RetryCount,
	).Scan(&t.CreatedAt)
}

// Due returns pending tasks whose run_at has passed. Tasks stay pending until
// a worker finishes them; the executions they trigger are idempotent, so
// re-delivery between sweeps is harmless.
func (r *TaskRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, type, run_at, status, retry_count, created_at, done_at
		FROM scheduled_tasks
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*models.ScheduledTask{}
	for rows.Next() {
		t := &models.ScheduledTask{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Type, &t.RunAt, &t.Status, &t.RetryCount, &t.CreatedAt, &t.DoneAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = 'done', done_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

func (r *TaskRepo) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = 'failed', retry_count = $2, done_at = NOW()
		WHERE id = $1
	`, id, retryCount)
	return err
}

// Defer pushes a pending task's run_at forward for a retry.
func (r *TaskRepo) Defer(ctx context.Context, id uuid.UUID, runAt time.Time, retryCount int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET run_at = $2, retry_count = $3
		WHERE id = $1 AND status = 'pending'
	`, id, runAt, retryCount)
	return err
}
