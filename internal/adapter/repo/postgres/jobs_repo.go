// Package postgres provides PostgreSQL repository adapters for the
// orchestrator's durable entities.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, name, type, priority, parent_job_id, dependencies, execution_mode, payload, status, COALESCE(error,''), retry_count, max_retries, timeout_ms, scheduled_for, cron_expr, worker_id, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var payload []byte
	var timeoutMS int64
	if err := row.Scan(&j.ID, &j.Name, &j.Type, &j.Priority, &j.ParentJobID, &j.Dependencies, &j.ExecutionMode, &payload, &j.Status, &j.Error, &j.RetryCount, &j.MaxRetries, &timeoutMS, &j.ScheduledFor, &j.CronExpr, &j.WorkerID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("payload decode: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	deps := j.Dependencies
	if deps == nil {
		deps = []string{}
	}
	q := `INSERT INTO jobs (id, name, type, priority, parent_job_id, dependencies, execution_mode, payload, status, retry_count, max_retries, timeout_ms, scheduled_for, cron_expr, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = r.Pool.Exec(ctx, q, id, j.Name, j.Type, j.Priority, j.ParentJobID, deps, j.ExecutionMode, payload, j.Status, j.RetryCount, j.MaxRetries, j.Timeout.Milliseconds(), j.ScheduledFor, j.CronExpr, j.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus updates a job's status and optional error message. Terminal
// transitions also stamp completed_at; terminal states are absorbing so a
// job already terminal is left untouched.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	var tag pgconn.CommandTag
	var err error
	if status.Terminal() {
		q := `UPDATE jobs SET status=$2, error=$3, completed_at=$4 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
		tag, err = r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	} else {
		q := `UPDATE jobs SET status=$2, error=$3 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
		tag, err = r.Pool.Exec(ctx, q, id, status, errVal)
	}
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrConflict)
	}
	return nil
}

// ClaimNext atomically claims the oldest queued job in a band, flipping it
// to running and binding the worker. Scheduled-for gating happens here so a
// not-before job is never claimed early.
func (r *JobRepo) ClaimNext(ctx domain.Context, band domain.Band, workerID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	lo, hi := bandRange(band)
	q := `UPDATE jobs SET status='running', worker_id=$3, started_at=now()
	      WHERE id = (
	        SELECT id FROM jobs
	        WHERE status='queued' AND priority BETWEEN $1 AND $2
	          AND (scheduled_for IS NULL OR scheduled_for <= now())
	        ORDER BY priority ASC, created_at ASC
	        LIMIT 1
	        FOR UPDATE SKIP LOCKED
	      )
	      RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, lo, hi, workerID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

func bandRange(band domain.Band) (int, int) {
	switch band {
	case domain.BandHigh:
		return -2147483648, 2
	case domain.BandNormal:
		return 3, 5
	default:
		return 6, 2147483647
	}
}

// MarkQueued transitions a pending job to queued.
func (r *JobRepo) MarkQueued(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkQueued")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET status='queued' WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return fmt.Errorf("op=job.mark_queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_queued: %w", domain.ErrConflict)
	}
	return nil
}

// Requeue returns a job to pending for a retry, preserving the incremented
// retry count and releasing its worker.
func (r *JobRepo) Requeue(ctx domain.Context, id string, retryCount int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	q := `UPDATE jobs SET status='pending', retry_count=$2, worker_id=NULL, started_at=NULL WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, retryCount)
	if err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.requeue: %w", domain.ErrConflict)
	}
	return nil
}

// SetWorker binds or clears the worker owning a job.
func (r *JobRepo) SetWorker(ctx domain.Context, id string, workerID *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetWorker")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET worker_id=$2 WHERE id=$1`, id, workerID)
	if err != nil {
		return fmt.Errorf("op=job.set_worker: %w", err)
	}
	return nil
}

// Reschedule pushes a job's earliest start forward, used for retry back-off.
func (r *JobRepo) Reschedule(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reschedule")
	defer span.End()
	q := `UPDATE jobs SET scheduled_for=$2 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.reschedule: %w", domain.ErrConflict)
	}
	return nil
}

// ClearCron retires the cron expression on a job row after the sweep has
// resubmitted the next occurrence.
func (r *JobRepo) ClearCron(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClearCron")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET cron_expr='' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.clear_cron: %w", err)
	}
	return nil
}

// UpdatePayload rewrites a job's payload.
func (r *JobRepo) UpdatePayload(ctx domain.Context, id string, payload domain.JobPayload) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdatePayload")
	defer span.End()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=job.update_payload: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `UPDATE jobs SET payload=$2 WHERE id=$1`, id, body)
	if err != nil {
		return fmt.Errorf("op=job.update_payload: %w", err)
	}
	return nil
}

// ListByStatus returns up to limit jobs in the given status, oldest first.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByWorker returns the jobs owned by a worker in the given status.
func (r *JobRepo) ListByWorker(ctx domain.Context, workerID string, status domain.JobStatus) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByWorker")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE worker_id=$1 AND status=$2 ORDER BY created_at ASC`, workerID, status)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_worker: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListChildren returns the direct children of a composite job.
func (r *JobRepo) ListChildren(ctx domain.Context, parentID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListChildren")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE parent_job_id=$1 ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_children: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListDependents returns the jobs that name id in their dependencies.
func (r *JobRepo) ListDependents(ctx domain.Context, id string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListDependents")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE $1 = ANY(dependencies) ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_dependents: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.rows: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	defer rows.Close()
	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// CountCompletedSince counts jobs completed at or after t.
func (r *JobRepo) CountCompletedSince(ctx domain.Context, t time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountCompletedSince")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status='completed' AND completed_at >= $1`, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_completed: %w", err)
	}
	return n, nil
}

// Delete removes a job. The result row and tool tasks referencing it go
// with it via ON DELETE CASCADE; this is the documented cleanup contract.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}
