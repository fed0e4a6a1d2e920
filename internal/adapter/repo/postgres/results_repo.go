package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// ResultRepo persists terminal job results.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Create inserts the result for a terminal job. Results are write-once;
// conflicting inserts are rejected.
func (r *ResultRepo) Create(ctx domain.Context, res domain.JobResult) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Create")
	defer span.End()
	q := `INSERT INTO job_results (job_id, success, output, error, input_tokens, output_tokens, duration_ms, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (job_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, res.JobID, res.Success, res.Output, res.Error, res.InputTokens, res.OutputTokens, res.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=result.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=result.create: %w", domain.ErrConflict)
	}
	return nil
}

// GetByJobID loads a job's result.
func (r *ResultRepo) GetByJobID(ctx domain.Context, jobID string) (domain.JobResult, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetByJobID")
	defer span.End()
	q := `SELECT job_id, success, output, error, input_tokens, output_tokens, duration_ms, created_at FROM job_results WHERE job_id=$1`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var res domain.JobResult
	var durationMS int64
	if err := row.Scan(&res.JobID, &res.Success, &res.Output, &res.Error, &res.InputTokens, &res.OutputTokens, &durationMS, &res.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JobResult{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
		}
		return domain.JobResult{}, fmt.Errorf("op=result.get: %w", err)
	}
	res.Duration = time.Duration(durationMS) * time.Millisecond
	return res, nil
}
