package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

func TestResultRepo_Create_WriteOnce(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewResultRepo(pool)
	res := domain.JobResult{JobID: "job-1", Success: true, Output: "ok", Duration: 1200 * time.Millisecond}
	require.NoError(t, repo.Create(context.Background(), res))
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (job_id) DO NOTHING")

	// Second insert for the same job affects zero rows and surfaces a conflict.
	pool.execTag = pgconn.NewCommandTag("INSERT 0 0")
	err := repo.Create(context.Background(), res)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestResultRepo_GetByJobID(t *testing.T) {
	now := time.Now().UTC()
	pool := &fakePool{row: fakeRow{values: []any{"job-1", true, "out", "", 10, 20, int64(1500), now}}}
	repo := postgres.NewResultRepo(pool)
	res, err := repo.GetByJobID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 1500*time.Millisecond, res.Duration)
}

func TestResultRepo_GetByJobID_NotFound(t *testing.T) {
	pool := &fakePool{row: fakeRow{err: pgx.ErrNoRows}}
	repo := postgres.NewResultRepo(pool)
	_, err := repo.GetByJobID(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerRepo_Lifecycle(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewWorkerRepo(pool)
	id, err := repo.Create(context.Background(), domain.Worker{Name: "worker-1", Type: "generator", Status: domain.WorkerIdle, MaxConcurrency: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, repo.Heartbeat(context.Background(), id, time.Now()))
	assert.Contains(t, pool.execSQL[1], "last_heartbeat")

	require.NoError(t, repo.Delete(context.Background(), id))
}
