package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/event"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/queue"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/workerpool"
)

// scriptGen echoes the prompt back, failing prompts that contain "explode".
type scriptGen struct{}

func (scriptGen) Generate(_ domain.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if strings.Contains(req.Prompt, "explode") {
		return domain.GenerateResponse{}, errors.New("model refused")
	}
	return domain.GenerateResponse{Text: "echo: " + req.Prompt, InputTokens: 1, OutputTokens: 1}, nil
}

type harness struct {
	store *memory.Store
	q     *queue.Queue
	d     *Dispatcher

	mu        sync.Mutex
	completed []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	bus := event.NewBus()
	res := resolver.New(store)
	q := queue.New(store, store.Results(), res, bus, queue.Options{MaxRetries: 0, Timeout: 30 * time.Second})
	pool := workerpool.New(workerpool.Config{
		MinWorkers:             2,
		MaxWorkers:             4,
		HeartbeatInterval:      time.Hour,
		HealthCheckInterval:    time.Hour,
		UnhealthyThreshold:     time.Hour,
		MaxConsecutiveFailures: 5,
	}, scriptGen{}, store, store.Workers(), q, bus, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	h := &harness{store: store, q: q}
	bus.Subscribe(func(ev domain.Event) {
		if ev.Type == domain.EventJobCompleted {
			h.mu.Lock()
			h.completed = append(h.completed, ev.JobID)
			h.mu.Unlock()
		}
	})
	h.d = New(q, store, store.Workers(), res, pool, 2*time.Second)
	return h
}

// runUntil ticks the dispatcher until cond holds or the deadline passes.
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.d.Tick(context.Background())
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func (h *harness) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func (h *harness) completedOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.completed...)
}

func prio(n int) *int { return &n }

func TestDiamondDependencyGraphRunsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.q.Submit(ctx, domain.JobSubmission{Name: "A", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "a"}})
	require.NoError(t, err)
	b, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "B", Type: domain.JobTypePrompt, Priority: prio(5),
		Dependencies: []string{a.ID}, Payload: domain.JobPayload{Prompt: "b"},
	})
	require.NoError(t, err)
	c, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "C", Type: domain.JobTypePrompt, Priority: prio(2),
		Dependencies: []string{a.ID}, Payload: domain.JobPayload{Prompt: "c"},
	})
	require.NoError(t, err)
	d, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "D", Type: domain.JobTypePrompt,
		Dependencies: []string{b.ID, c.ID}, Payload: domain.JobPayload{Prompt: "d"},
	})
	require.NoError(t, err)

	h.runUntil(t, func() bool { return h.status(t, d.ID) == domain.JobCompleted })

	for _, id := range []string{a.ID, b.ID, c.ID} {
		assert.Equal(t, domain.JobCompleted, h.status(t, id))
	}

	order := h.completedOrder()
	require.Len(t, order, 4)
	assert.Equal(t, a.ID, order[0])
	assert.Equal(t, d.ID, order[3])
}

func TestHighBandClaimedBeforeNormal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Both queued before the first tick; the priority 2 job is in the high
	// band and must start first even though it was submitted second.
	slow, err := h.q.Submit(ctx, domain.JobSubmission{Name: "normal", Type: domain.JobTypePrompt, Priority: prio(5), Payload: domain.JobPayload{Prompt: "n"}})
	require.NoError(t, err)
	fast, err := h.q.Submit(ctx, domain.JobSubmission{Name: "high", Type: domain.JobTypePrompt, Priority: prio(2), Payload: domain.JobPayload{Prompt: "h"}})
	require.NoError(t, err)

	h.runUntil(t, func() bool {
		return h.status(t, slow.ID) == domain.JobCompleted && h.status(t, fast.ID) == domain.JobCompleted
	})

	fastJob, err := h.store.Get(ctx, fast.ID)
	require.NoError(t, err)
	slowJob, err := h.store.Get(ctx, slow.ID)
	require.NoError(t, err)
	require.NotNil(t, fastJob.StartedAt)
	require.NotNil(t, slowJob.StartedAt)
	assert.False(t, slowJob.StartedAt.Before(*fastJob.StartedAt), "high band should be claimed first")
}

func TestDependencyFailurePropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad, err := h.q.Submit(ctx, domain.JobSubmission{Name: "bad", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "explode"}})
	require.NoError(t, err)
	dep, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "dependent", Type: domain.JobTypePrompt,
		Dependencies: []string{bad.ID}, Payload: domain.JobPayload{Prompt: "x"},
	})
	require.NoError(t, err)

	h.runUntil(t, func() bool { return h.status(t, dep.ID) == domain.JobFailed })

	depJob, err := h.store.Get(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "dependency failed: "+bad.ID, depJob.Error)

	res, err := h.store.Results().GetByJobID(ctx, dep.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSequentialWorkflowCompletesParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent, children, err := h.d.SubmitWorkflow(ctx, "pipeline", domain.ModeSequential, []domain.JobSubmission{
		{Name: "step-1", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "one"}},
		{Name: "step-2", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "two"}},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, []string{children[0].ID}, children[1].Dependencies)
	assert.Equal(t, []string{children[0].ID, children[1].ID}, parent.Payload.ChildJobs)

	stored, err := h.store.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.Payload.ChildJobs, stored.Payload.ChildJobs)

	h.runUntil(t, func() bool { return h.status(t, parent.ID) == domain.JobCompleted })

	res, err := h.store.Results().GetByJobID(ctx, parent.ID)
	require.NoError(t, err)
	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(res.Output), &summary))
	assert.Equal(t, 2, summary["childCount"])
	assert.Equal(t, 2, summary["completedCount"])

	// Sequential order held.
	order := h.completedOrder()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, children[0].ID, order[0])
	assert.Equal(t, children[1].ID, order[1])
}

func TestWorkflowParentClaimedBeforeChildrenWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The dispatch loop runs concurrently with workflow submission in
	// production, so the parent can be claimed before any child row exists.
	parent, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "fanout", Type: domain.JobTypeWorkflow, ExecutionMode: domain.ModeParallel,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.d.Tick(ctx)
		time.Sleep(10 * time.Millisecond)
		require.NotEqual(t, domain.JobCompleted, h.status(t, parent.ID),
			"childless parent must wait, not finish as zero-of-zero")
	}

	child, err := h.q.Submit(ctx, domain.JobSubmission{
		Name: "late-step", Type: domain.JobTypePrompt, ParentJobID: &parent.ID,
		Payload: domain.JobPayload{Prompt: "one"},
	})
	require.NoError(t, err)

	h.runUntil(t, func() bool { return h.status(t, parent.ID) == domain.JobCompleted })
	assert.Equal(t, domain.JobCompleted, h.status(t, child.ID))

	res, err := h.store.Results().GetByJobID(ctx, parent.ID)
	require.NoError(t, err)
	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(res.Output), &summary))
	assert.Equal(t, 1, summary["childCount"])
	assert.Equal(t, 1, summary["completedCount"])
}

func TestTickWithoutBacklogDoesNotScaleUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Reserve every slot so a spawn is the only way a claim could proceed.
	var held []*workerpool.Worker
	for {
		w := h.d.pool.Idle()
		if w == nil {
			break
		}
		held = append(held, w)
	}
	before := h.d.pool.Size()

	h.d.Tick(ctx)

	assert.Equal(t, before, h.d.pool.Size(), "empty bands must not spawn workers")
	for _, w := range held {
		w.Release()
	}
}

func TestIdleTicksShrinkPoolToFloor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NotNil(t, h.d.pool.ScaleUp(ctx))
	require.NotNil(t, h.d.pool.ScaleUp(ctx))
	require.Equal(t, 4, h.d.pool.Size())

	for i := 0; i < 10 && h.d.pool.Size() > 2; i++ {
		h.d.Tick(ctx)
	}

	assert.Equal(t, 2, h.d.pool.Size(), "surplus idle workers retire back to the floor")
}

func TestWorkflowChildFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent, _, err := h.d.SubmitWorkflow(ctx, "doomed", domain.ModeParallel, []domain.JobSubmission{
		{Name: "ok", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "fine"}},
		{Name: "bad", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "explode"}},
	})
	require.NoError(t, err)

	h.runUntil(t, func() bool { return h.status(t, parent.ID) == domain.JobFailed })

	p, err := h.store.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Contains(t, p.Error, "child job")
}

func TestCustomProcessorOverridesWorkerExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.q.RegisterProcessor(domain.JobTypePrompt, func(_ domain.Context, job domain.Job) (domain.JobResult, error) {
		return domain.JobResult{Output: "handled:" + job.Name}, nil
	})

	j, err := h.q.Submit(ctx, domain.JobSubmission{Name: "p1", Type: domain.JobTypePrompt, Payload: domain.JobPayload{Prompt: "x"}})
	require.NoError(t, err)

	h.runUntil(t, func() bool { return h.status(t, j.ID) == domain.JobCompleted })

	res, err := h.store.Results().GetByJobID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "handled:p1", res.Output)
}

func TestStuckSweepFailsOrphanedRunningJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	_, err := h.store.Create(ctx, domain.Job{
		ID: "orphan", Type: domain.JobTypePrompt, Status: domain.JobRunning,
		StartedAt: &old, Timeout: time.Second, MaxRetries: 0,
	})
	require.NoError(t, err)

	h.d.Tick(ctx)

	j, err := h.store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, "job timed out", j.Error)
}
