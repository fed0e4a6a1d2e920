package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// ToolTaskRepo persists the durable trace of tool calls.
type ToolTaskRepo struct{ Pool PgxPool }

// NewToolTaskRepo constructs a ToolTaskRepo with the given pool.
func NewToolTaskRepo(p PgxPool) *ToolTaskRepo { return &ToolTaskRepo{Pool: p} }

func newULID() string { return ulid.Make().String() }

// Create inserts a running tool task and returns its id.
func (r *ToolTaskRepo) Create(ctx domain.Context, t domain.ToolTask) (string, error) {
	tracer := otel.Tracer("repo.tooltasks")
	ctx, span := tracer.Start(ctx, "tooltasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = newULID()
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return "", fmt.Errorf("op=tooltask.create: %w", err)
	}
	q := `INSERT INTO tool_tasks (id, message_id, task_type, payload, status, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = r.Pool.Exec(ctx, q, id, t.MessageID, t.TaskType, payload, domain.TaskRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=tooltask.create: %w", err)
	}
	return id, nil
}

// Finish moves a running task to completed or failed. Finished tasks are
// never re-entered.
func (r *ToolTaskRepo) Finish(ctx domain.Context, id string, status domain.ToolTaskStatus, result, errMsg string) error {
	tracer := otel.Tracer("repo.tooltasks")
	ctx, span := tracer.Start(ctx, "tooltasks.Finish")
	defer span.End()
	q := `UPDATE tool_tasks SET status=$2, result=$3, error=$4, executed_at=$5 WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, status, result, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=tooltask.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tooltask.finish: %w", domain.ErrConflict)
	}
	return nil
}

// Get loads a tool task by id.
func (r *ToolTaskRepo) Get(ctx domain.Context, id string) (domain.ToolTask, error) {
	tracer := otel.Tracer("repo.tooltasks")
	ctx, span := tracer.Start(ctx, "tooltasks.Get")
	defer span.End()
	q := `SELECT id, message_id, task_type, payload, status, result, error, executed_at, created_at FROM tool_tasks WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var t domain.ToolTask
	var payload []byte
	if err := row.Scan(&t.ID, &t.MessageID, &t.TaskType, &payload, &t.Status, &t.Result, &t.Error, &t.ExecutedAt, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ToolTask{}, fmt.Errorf("op=tooltask.get: %w", domain.ErrNotFound)
		}
		return domain.ToolTask{}, fmt.Errorf("op=tooltask.get: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return domain.ToolTask{}, fmt.Errorf("op=tooltask.get: %w", err)
		}
	}
	return t, nil
}

// ExecutionLogRepo appends audit records.
type ExecutionLogRepo struct{ Pool PgxPool }

// NewExecutionLogRepo constructs an ExecutionLogRepo with the given pool.
func NewExecutionLogRepo(p PgxPool) *ExecutionLogRepo { return &ExecutionLogRepo{Pool: p} }

// Append writes one audit record.
func (r *ExecutionLogRepo) Append(ctx domain.Context, e domain.ExecutionLog) error {
	tracer := otel.Tracer("repo.execlog")
	ctx, span := tracer.Start(ctx, "execlog.Append")
	defer span.End()
	id := e.ID
	if id == "" {
		id = newULID()
	}
	q := `INSERT INTO execution_logs (id, task_id, action, input, output, exit_code, duration_ms, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, e.TaskID, e.Action, e.Input, e.Output, e.ExitCode, e.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=execlog.append: %w", err)
	}
	return nil
}

// ListByTask returns the audit trail of one tool task, oldest first.
func (r *ExecutionLogRepo) ListByTask(ctx domain.Context, taskID string) ([]domain.ExecutionLog, error) {
	tracer := otel.Tracer("repo.execlog")
	ctx, span := tracer.Start(ctx, "execlog.ListByTask")
	defer span.End()
	q := `SELECT id, task_id, action, input, output, exit_code, duration_ms, created_at FROM execution_logs WHERE task_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=execlog.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionLog
	for rows.Next() {
		var e domain.ExecutionLog
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &e.Input, &e.Output, &e.ExitCode, &durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=execlog.scan: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
