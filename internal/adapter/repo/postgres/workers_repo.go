package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// WorkerRepo persists worker registrations and health bookkeeping.
type WorkerRepo struct{ Pool PgxPool }

// NewWorkerRepo constructs a WorkerRepo with the given pool.
func NewWorkerRepo(p PgxPool) *WorkerRepo { return &WorkerRepo{Pool: p} }

const workerColumns = `id, name, type, status, current_job_id, active_jobs, max_concurrency, last_heartbeat, total_jobs_processed, total_tokens_used, consecutive_failures, created_at`

func scanWorker(row pgx.Row) (domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.Status, &w.CurrentJobID, &w.ActiveJobs, &w.MaxConcurrency, &w.LastHeartbeat, &w.TotalJobsProcessed, &w.TotalTokensUsed, &w.ConsecutiveFailures, &w.CreatedAt)
	return w, err
}

// Create registers a worker and returns its id.
func (r *WorkerRepo) Create(ctx domain.Context, w domain.Worker) (string, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Create")
	defer span.End()
	id := w.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO workers (id, name, type, status, max_concurrency, last_heartbeat, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, w.Name, w.Type, w.Status, w.MaxConcurrency, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=worker.create: %w", err)
	}
	return id, nil
}

// Get loads a worker by id.
func (r *WorkerRepo) Get(ctx domain.Context, id string) (domain.Worker, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	w, err := scanWorker(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", err)
	}
	return w, nil
}

// Update writes the mutable fields of a worker row.
func (r *WorkerRepo) Update(ctx domain.Context, w domain.Worker) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Update")
	defer span.End()
	q := `UPDATE workers SET status=$2, current_job_id=$3, active_jobs=$4, total_jobs_processed=$5, total_tokens_used=$6, consecutive_failures=$7 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, w.ID, w.Status, w.CurrentJobID, w.ActiveJobs, w.TotalJobsProcessed, w.TotalTokensUsed, w.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("op=worker.update: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's last_heartbeat.
func (r *WorkerRepo) Heartbeat(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Heartbeat")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE workers SET last_heartbeat=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=worker.heartbeat: %w", err)
	}
	return nil
}

// List returns all registered workers.
func (r *WorkerRepo) List(ctx domain.Context) ([]domain.Worker, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker.scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Delete removes a worker row.
func (r *WorkerRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Delete")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM workers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=worker.delete: %w", err)
	}
	return nil
}
