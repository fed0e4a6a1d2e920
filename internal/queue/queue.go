// Package queue implements the durable, priority-banded job queue: validated
// submission, atomic claim, retry and expiry bookkeeping, and dependent
// wake-up on completion.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
)

// Handler processes one job of a registered type. A returned error counts
// against the job's retry budget.
type Handler func(ctx domain.Context, job domain.Job) (domain.JobResult, error)

// Options configure submission defaults.
type Options struct {
	MaxRetries int
	Timeout    time.Duration
	// RetryDelay holds a retried job out of the ready set for this long.
	RetryDelay time.Duration
	// LowBandEvery forces the low band to the front of the claim order
	// every N ticks so low priority work cannot starve.
	LowBandEvery int
}

// Queue is the durable job queue. All cross-worker coordination goes
// through it.
type Queue struct {
	jobs    domain.JobRepository
	results domain.ResultRepository
	res     *resolver.Resolver
	events  domain.EventSink
	opts    Options

	mu         sync.RWMutex
	processors map[domain.JobType]Handler
}

// New constructs a Queue.
func New(jobs domain.JobRepository, results domain.ResultRepository, res *resolver.Resolver, events domain.EventSink, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = domain.DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = domain.DefaultTimeout
	}
	if opts.LowBandEvery <= 0 {
		opts.LowBandEvery = 5
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Queue{
		jobs:       jobs,
		results:    results,
		res:        res,
		events:     events,
		opts:       opts,
		processors: map[domain.JobType]Handler{},
	}
}

func validTypes() map[domain.JobType]bool {
	return map[domain.JobType]bool{
		domain.JobTypePrompt:    true,
		domain.JobTypeTool:      true,
		domain.JobTypeComposite: true,
		domain.JobTypeWorkflow:  true,
	}
}

// Submit validates and persists a submission. Jobs with every dependency
// already completed transition straight to queued; the rest stay pending
// until the resolver promotes them.
func (q *Queue) Submit(ctx domain.Context, sub domain.JobSubmission) (domain.Job, error) {
	j, err := q.buildJob(ctx, sub)
	if err != nil {
		return domain.Job{}, err
	}
	if err := q.res.ValidateAcyclic(ctx, j.ID, j.Dependencies); err != nil {
		return domain.Job{}, err
	}
	id, err := q.jobs.Create(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = id
	observability.JobsSubmittedTotal.WithLabelValues(string(j.Type)).Inc()
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobSubmitted, JobID: id})

	if q.eligibleNow(ctx, j) {
		if err := q.jobs.MarkQueued(ctx, id); err == nil {
			j.Status = domain.JobQueued
			q.events.Publish(ctx, domain.Event{Type: domain.EventJobQueued, JobID: id})
		}
	}
	return j, nil
}

func (q *Queue) buildJob(ctx domain.Context, sub domain.JobSubmission) (domain.Job, error) {
	if !validTypes()[sub.Type] {
		return domain.Job{}, fmt.Errorf("op=queue.submit: type %q: %w", sub.Type, domain.ErrInvalidArgument)
	}
	switch sub.Type {
	case domain.JobTypePrompt:
		if strings.TrimSpace(sub.Payload.Prompt) == "" {
			return domain.Job{}, fmt.Errorf("op=queue.submit: prompt required: %w", domain.ErrInvalidArgument)
		}
	case domain.JobTypeTool:
		if sub.Payload.ToolName == "" {
			return domain.Job{}, fmt.Errorf("op=queue.submit: toolName required: %w", domain.ErrInvalidArgument)
		}
	}
	// Dependencies must reference existing jobs.
	for _, dep := range sub.Dependencies {
		if _, err := q.jobs.Get(ctx, dep); err != nil {
			return domain.Job{}, fmt.Errorf("op=queue.submit: dependency %s: %w", dep, domain.ErrInvalidArgument)
		}
	}
	if sub.CronExpr != "" {
		if _, err := cron.ParseStandard(sub.CronExpr); err != nil {
			return domain.Job{}, fmt.Errorf("op=queue.submit: cron %q: %w", sub.CronExpr, domain.ErrInvalidArgument)
		}
	}
	j := domain.Job{
		Name:          sub.Name,
		Type:          sub.Type,
		Priority:      domain.DefaultPriority,
		ParentJobID:   sub.ParentJobID,
		Dependencies:  sub.Dependencies,
		ExecutionMode: sub.ExecutionMode,
		Payload:       sub.Payload,
		Status:        domain.JobPending,
		MaxRetries:    q.opts.MaxRetries,
		Timeout:       q.opts.Timeout,
		ScheduledFor:  sub.ScheduledFor,
		CronExpr:      sub.CronExpr,
		CreatedAt:     time.Now().UTC(),
	}
	if sub.Priority != nil {
		j.Priority = *sub.Priority
	}
	if sub.MaxRetries != nil {
		j.MaxRetries = *sub.MaxRetries
	}
	if sub.Timeout != nil {
		j.Timeout = *sub.Timeout
	}
	return j, nil
}

func (q *Queue) eligibleNow(ctx domain.Context, j domain.Job) bool {
	if j.ScheduledFor != nil && j.ScheduledFor.After(time.Now().UTC()) {
		return false
	}
	for _, dep := range j.Dependencies {
		dj, err := q.jobs.Get(ctx, dep)
		if err != nil || dj.Status != domain.JobCompleted {
			return false
		}
	}
	return true
}

// SubmitBatch submits sequentially with no cross-ordering guarantees beyond
// each individual call. The first error aborts the remainder.
func (q *Queue) SubmitBatch(ctx domain.Context, subs []domain.JobSubmission) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(subs))
	for _, sub := range subs {
		j, err := q.Submit(ctx, sub)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// RegisterProcessor subscribes a handler for a job type across all priority
// bands. The last registration for a type wins.
func (q *Queue) RegisterProcessor(t domain.JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[t] = h
}

// ProcessorFor returns the registered handler for a type, if any.
func (q *Queue) ProcessorFor(t domain.JobType) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.processors[t]
	return h, ok
}

// ClaimNext atomically claims the next queued job in a band for a worker.
func (q *Queue) ClaimNext(ctx domain.Context, band domain.Band, workerID string) (domain.Job, error) {
	j, err := q.jobs.ClaimNext(ctx, band, workerID)
	if err != nil {
		return domain.Job{}, err
	}
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobStarted, JobID: j.ID, WorkerID: workerID})
	return j, nil
}

// Enqueue promotes a pending job to queued.
func (q *Queue) Enqueue(ctx domain.Context, jobID string) error {
	if err := q.jobs.MarkQueued(ctx, jobID); err != nil {
		return err
	}
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobQueued, JobID: jobID})
	return nil
}

// Complete records a success result, transitions the job, and wakes any
// dependents whose dependency sets are now satisfied.
func (q *Queue) Complete(ctx domain.Context, jobID string, result domain.JobResult) error {
	result.JobID = jobID
	result.Success = true
	if err := q.results.Create(ctx, result); err != nil {
		return err
	}
	if err := q.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, nil); err != nil {
		return err
	}
	j, err := q.jobs.Get(ctx, jobID)
	if err == nil {
		observability.JobsCompletedTotal.WithLabelValues(string(j.Type)).Inc()
	}
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobCompleted, JobID: jobID})
	q.wakeDependents(ctx, jobID)
	return nil
}

func (q *Queue) wakeDependents(ctx domain.Context, jobID string) {
	dependents, err := q.jobs.ListDependents(ctx, jobID)
	if err != nil {
		return
	}
	for _, dep := range dependents {
		if dep.Status != domain.JobPending {
			continue
		}
		if q.eligibleNow(ctx, dep) {
			if err := q.jobs.MarkQueued(ctx, dep.ID); err == nil {
				q.events.Publish(ctx, domain.Event{Type: domain.EventJobQueued, JobID: dep.ID})
			}
		}
	}
}

// Fail applies retry semantics: under the retry budget the job returns to
// pending and is re-enqueued, after RetryDelay when one is configured;
// otherwise a failure result is written and the job transitions to failed.
func (q *Queue) Fail(ctx domain.Context, job domain.Job, errMsg string) error {
	if job.RetryCount < job.MaxRetries {
		next := job.RetryCount + 1
		if err := q.jobs.Requeue(ctx, job.ID, next); err != nil {
			return err
		}
		observability.JobsRetriedTotal.Inc()
		q.events.Publish(ctx, domain.Event{Type: domain.EventJobRetry, JobID: job.ID, Error: errMsg})
		if q.opts.RetryDelay > 0 {
			// The resolver promotes the job once the delay elapses.
			q.deferRetry(ctx, job.ID, time.Now().UTC().Add(q.opts.RetryDelay))
		} else if q.eligibleNow(ctx, job) {
			_ = q.jobs.MarkQueued(ctx, job.ID)
		}
		return nil
	}
	return q.FailTerminal(ctx, job, errMsg)
}

// deferRetry pushes the job's earliest start past the retry delay when the
// repository supports rescheduling. Without support the job sits pending
// until the next resolver pass, which bounds the delay at one tick.
func (q *Queue) deferRetry(ctx domain.Context, jobID string, at time.Time) {
	type rescheduler interface {
		Reschedule(ctx domain.Context, id string, at time.Time) error
	}
	if r, ok := q.jobs.(rescheduler); ok {
		_ = r.Reschedule(ctx, jobID, at)
	}
}

// FailTerminal writes the failure result and transitions to failed without
// consulting the retry budget. Used for dependency propagation and
// cancellation-adjacent paths.
func (q *Queue) FailTerminal(ctx domain.Context, job domain.Job, errMsg string) error {
	res := domain.JobResult{JobID: job.ID, Success: false, Error: errMsg}
	if job.StartedAt != nil {
		res.Duration = time.Since(*job.StartedAt)
	}
	if err := q.results.Create(ctx, res); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	if err := q.jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, &errMsg); err != nil {
		return err
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Type)).Inc()
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobFailed, JobID: job.ID, Error: errMsg})
	return nil
}

// Cancel transitions a job to cancelled; valid only from pending or queued.
func (q *Queue) Cancel(ctx domain.Context, jobID string) error {
	j, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobPending && j.Status != domain.JobQueued {
		return fmt.Errorf("op=queue.cancel: status %s: %w", j.Status, domain.ErrConflict)
	}
	if err := q.jobs.UpdateStatus(ctx, jobID, domain.JobCancelled, nil); err != nil {
		return err
	}
	q.events.Publish(ctx, domain.Event{Type: domain.EventJobCancelled, JobID: jobID})
	return nil
}

// Resume merges operator input into the job's payload context and
// re-enqueues it.
func (q *Queue) Resume(ctx domain.Context, jobID string, operatorInput map[string]any) error {
	j, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=queue.resume: status %s: %w", j.Status, domain.ErrConflict)
	}
	if len(operatorInput) > 0 {
		if j.Payload.Context == nil {
			j.Payload.Context = map[string]any{}
		}
		for k, v := range operatorInput {
			j.Payload.Context[k] = v
		}
		if err := q.jobs.UpdatePayload(ctx, jobID, j.Payload); err != nil {
			return err
		}
	}
	if j.Status != domain.JobPending {
		if err := q.jobs.Requeue(ctx, jobID, j.RetryCount); err != nil {
			return err
		}
	}
	return q.Enqueue(ctx, jobID)
}

// MarkWaitingForInput holds a job in pending without enqueuing and emits a
// waiting_input event.
func (q *Queue) MarkWaitingForInput(ctx domain.Context, jobID string) error {
	j, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=queue.waiting_input: status %s: %w", j.Status, domain.ErrConflict)
	}
	if j.Status != domain.JobPending {
		if err := q.jobs.Requeue(ctx, jobID, j.RetryCount); err != nil {
			return err
		}
	}
	q.events.Publish(ctx, domain.Event{Type: domain.EventWaitingInput, JobID: jobID})
	return nil
}

// BandOrder returns the claim order for a dispatch tick. Higher bands come
// first except on forced-drain ticks, when low jumps the line.
func (q *Queue) BandOrder(tick int) []domain.Band {
	if tick > 0 && tick%q.opts.LowBandEvery == 0 {
		return []domain.Band{domain.BandLow, domain.BandHigh, domain.BandNormal}
	}
	return domain.Bands()
}

// CronSweep resubmits completed cron jobs whose next occurrence has passed.
func (q *Queue) CronSweep(ctx domain.Context) error {
	done, err := q.jobs.ListByStatus(ctx, domain.JobCompleted, 200)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, j := range done {
		if j.CronExpr == "" || j.CompletedAt == nil {
			continue
		}
		sched, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			continue
		}
		next := sched.Next(*j.CompletedAt)
		if next.After(now) {
			continue
		}
		// Re-submit a fresh run and retire the expression on the old row so
		// it is not resubmitted again.
		sub := domain.JobSubmission{
			Name:          j.Name,
			Type:          j.Type,
			Priority:      &j.Priority,
			Payload:       j.Payload,
			ExecutionMode: j.ExecutionMode,
			CronExpr:      j.CronExpr,
		}
		if _, err := q.Submit(ctx, sub); err != nil {
			return err
		}
		if err := q.retireCron(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) retireCron(ctx domain.Context, jobID string) error {
	// Clearing cron_expr on a terminal row is a payload-adjacent touch-up;
	// the repos gate status transitions, not this column.
	type cronClearer interface {
		ClearCron(ctx domain.Context, id string) error
	}
	if c, ok := q.jobs.(cronClearer); ok {
		return c.ClearCron(ctx, jobID)
	}
	return nil
}

// Depths returns the number of queued jobs per band, for metrics and health.
func (q *Queue) Depths(ctx domain.Context) (map[domain.Band]int, error) {
	queued, err := q.jobs.ListByStatus(ctx, domain.JobQueued, 1000)
	if err != nil {
		return nil, err
	}
	out := map[domain.Band]int{domain.BandHigh: 0, domain.BandNormal: 0, domain.BandLow: 0}
	for _, j := range queued {
		out[j.Band()]++
	}
	for band, n := range out {
		observability.QueueDepth.WithLabelValues(string(band)).Set(float64(n))
	}
	return out, nil
}
