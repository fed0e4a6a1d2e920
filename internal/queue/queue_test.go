package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/event"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/queue"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
)

func newQueue(t *testing.T) (*queue.Queue, *memory.Store, *[]domain.Event) {
	t.Helper()
	store := memory.NewStore()
	bus := event.NewBus()
	var events []domain.Event
	bus.Subscribe(func(ev domain.Event) { events = append(events, ev) })
	q := queue.New(store, store.Results(), resolver.New(store), bus, queue.Options{})
	return q, store, &events
}

func promptSub(name string) domain.JobSubmission {
	return domain.JobSubmission{
		Name:    name,
		Type:    domain.JobTypePrompt,
		Payload: domain.JobPayload{Prompt: "do " + name},
	}
}

func TestSubmit_NoDepsGoesStraightToQueued(t *testing.T) {
	q, store, events := newQueue(t)
	j, err := q.Submit(context.Background(), promptSub("a"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, domain.DefaultPriority, j.Priority)
	assert.Equal(t, domain.DefaultMaxRetries, j.MaxRetries)

	stored, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, stored.Status)

	var types []domain.EventType
	for _, ev := range *events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventJobSubmitted, domain.EventJobQueued}, types)
}

func TestSubmit_ValidationRejects(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, domain.JobSubmission{Type: "bogus"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = q.Submit(ctx, domain.JobSubmission{Type: domain.JobTypePrompt})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = q.Submit(ctx, domain.JobSubmission{Type: domain.JobTypeTool})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Unknown dependency: rejected synchronously, nothing persisted.
	sub := promptSub("dep")
	sub.Dependencies = []string{"ghost"}
	_, err = q.Submit(ctx, sub)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmit_WithUnmetDepsStaysPending(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	a, err := q.Submit(ctx, promptSub("a"))
	require.NoError(t, err)
	sub := promptSub("b")
	sub.Dependencies = []string{a.ID}
	b, err := q.Submit(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, b.Status)

	stored, _ := store.Get(ctx, b.ID)
	assert.Equal(t, domain.JobPending, stored.Status)
}

func TestComplete_WakesDependents(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	a, err := q.Submit(ctx, promptSub("a"))
	require.NoError(t, err)
	sub := promptSub("b")
	sub.Dependencies = []string{a.ID}
	b, err := q.Submit(ctx, sub)
	require.NoError(t, err)

	// Claim and complete A.
	claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, claimed.ID)
	require.NoError(t, q.Complete(ctx, a.ID, domain.JobResult{Output: "done"}))

	stored, _ := store.Get(ctx, b.ID)
	assert.Equal(t, domain.JobQueued, stored.Status, "dependent woken on completion")

	res, err := store.Results().GetByJobID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFail_RetriesUntilBudgetThenTerminal(t *testing.T) {
	q, store, events := newQueue(t)
	ctx := context.Background()

	sub := promptSub("flaky")
	two := 2
	sub.MaxRetries = &two
	j, err := q.Submit(ctx, sub)
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, claimed, "boom"))
		stored, _ := store.Get(ctx, j.ID)
		assert.Equal(t, domain.JobQueued, stored.Status, "retry %d re-enqueues", attempt)
		assert.Equal(t, attempt+1, stored.RetryCount)
	}

	// Third failure exhausts the budget.
	claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed, "boom"))
	stored, _ := store.Get(ctx, j.ID)
	assert.Equal(t, domain.JobFailed, stored.Status)

	res, err := store.Results().GetByJobID(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)

	var retries int
	for _, ev := range *events {
		if ev.Type == domain.EventJobRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries, "a retry event per retry")
}

func TestFail_RetryDelayHoldsJobPending(t *testing.T) {
	store := memory.NewStore()
	bus := event.NewBus()
	q := queue.New(store, store.Results(), resolver.New(store), bus, queue.Options{
		RetryDelay: 5 * time.Second,
	})
	ctx := context.Background()

	j, err := q.Submit(ctx, promptSub("flaky"))
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed, "boom"))

	stored, _ := store.Get(ctx, j.ID)
	assert.Equal(t, domain.JobPending, stored.Status, "delayed retry stays pending")
	require.NotNil(t, stored.ScheduledFor)
	assert.True(t, stored.ScheduledFor.After(time.Now().UTC()), "earliest start pushed past the delay")
}

// conflictResults reports every result write as already recorded, wrapped
// the way the repos wrap their sentinels.
type conflictResults struct{ inner domain.ResultRepository }

func (c conflictResults) Create(domain.Context, domain.JobResult) error {
	return fmt.Errorf("op=result.create: %w", domain.ErrConflict)
}

func (c conflictResults) GetByJobID(ctx domain.Context, jobID string) (domain.JobResult, error) {
	return c.inner.GetByJobID(ctx, jobID)
}

func TestFailTerminal_ToleratesWrappedResultConflict(t *testing.T) {
	store := memory.NewStore()
	q := queue.New(store, conflictResults{inner: store.Results()}, resolver.New(store), event.NewBus(), queue.Options{})
	ctx := context.Background()

	j, err := q.Submit(ctx, promptSub("dup"))
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)

	require.NoError(t, q.FailTerminal(ctx, claimed, "boom"))
	stored, _ := store.Get(ctx, j.ID)
	assert.Equal(t, domain.JobFailed, stored.Status)
	assert.Equal(t, "boom", stored.Error)
}

func TestCancel_OnlyFromPendingOrQueued(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	j, err := q.Submit(ctx, promptSub("c"))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, j.ID))

	// Running jobs cannot be cancelled.
	j2, err := q.Submit(ctx, promptSub("d"))
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	err = q.Cancel(ctx, j2.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestResume_MergesOperatorInput(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	j, err := q.Submit(ctx, promptSub("paused"))
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	require.NoError(t, q.MarkWaitingForInput(ctx, claimed.ID))

	stored, _ := store.Get(ctx, j.ID)
	assert.Equal(t, domain.JobPending, stored.Status)

	require.NoError(t, q.Resume(ctx, j.ID, map[string]any{"answer": "42"}))
	stored, _ = store.Get(ctx, j.ID)
	assert.Equal(t, domain.JobQueued, stored.Status)
	assert.Equal(t, "42", stored.Payload.Context["answer"])
}

func TestClaimNext_BandAndFIFO(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	one := 1
	urgent := promptSub("urgent")
	urgent.Priority = &one
	_, err := q.Submit(ctx, promptSub("old-normal"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = q.Submit(ctx, promptSub("new-normal"))
	require.NoError(t, err)
	u, err := q.Submit(ctx, urgent)
	require.NoError(t, err)

	got, err := q.ClaimNext(ctx, domain.BandHigh, "w1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	first, err := q.ClaimNext(ctx, domain.BandNormal, "w1")
	require.NoError(t, err)
	assert.Equal(t, "old-normal", first.Name, "FIFO by createdAt within a band")

	_, err = q.ClaimNext(ctx, domain.BandHigh, "w1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBandOrder_ForcedLowDrain(t *testing.T) {
	q, _, _ := newQueue(t)
	assert.Equal(t, domain.Bands(), q.BandOrder(1))
	assert.Equal(t, domain.Bands(), q.BandOrder(4))
	order := q.BandOrder(5)
	assert.Equal(t, domain.BandLow, order[0], "every fifth tick drains low first")
}

func TestCronSweep_ResubmitsDueJobs(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	// A completed cron job whose completion predates the next occurrence.
	past := time.Now().Add(-2 * time.Minute).UTC()
	_, err := store.Create(ctx, domain.Job{
		ID:          "cron-1",
		Name:        "daily",
		Type:        domain.JobTypePrompt,
		Priority:    domain.DefaultPriority,
		Status:      domain.JobCompleted,
		CronExpr:    "* * * * *",
		Payload:     domain.JobPayload{Prompt: "run"},
		CreatedAt:   past,
		CompletedAt: &past,
	})
	require.NoError(t, err)

	require.NoError(t, q.CronSweep(ctx))
	pending, err := store.ListByStatus(ctx, domain.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "daily", pending[0].Name)
	assert.NotEqual(t, "cron-1", pending[0].ID)

	old, _ := store.Get(ctx, "cron-1")
	assert.Empty(t, old.CronExpr, "swept row retires its expression")
}

func TestSubmit_RejectsBadCron(t *testing.T) {
	q, _, _ := newQueue(t)
	sub := promptSub("broken")
	sub.CronExpr = "not a cron"
	_, err := q.Submit(context.Background(), sub)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
