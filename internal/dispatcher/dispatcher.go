// Package dispatcher runs the control loop that moves jobs from the queue
// onto workers: dependency resolution, band-ordered claiming, execution with
// per-job timeouts, composite re-evaluation, and the cron and stuck-job
// sweeps.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/queue"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/workerpool"
)

// Dispatcher owns the dispatch tick. One instance per process.
type Dispatcher struct {
	q       *queue.Queue
	jobs    domain.JobRepository
	workers domain.WorkerRepository
	res     *resolver.Resolver
	pool    *workerpool.Pool

	interval time.Duration
	// stuckAfter is the grace past a job's own timeout before the sweeper
	// declares it orphaned.
	stuckAfter time.Duration

	tick     int
	inflight sync.WaitGroup
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Dispatcher. interval <= 0 falls back to 2s.
func New(q *queue.Queue, jobs domain.JobRepository, workers domain.WorkerRepository, res *resolver.Resolver, pool *workerpool.Pool, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		q:          q,
		jobs:       jobs,
		workers:    workers,
		res:        res,
		pool:       pool,
		interval:   interval,
		stuckAfter: 2 * interval,
		stop:       make(chan struct{}),
	}
}

// Run ticks until the context is cancelled or Shutdown is called.
func (d *Dispatcher) Run(ctx domain.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(d.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-t.C:
				d.Tick(ctx)
			}
		}
	}()
}

// Shutdown stops the loop and waits for in-flight jobs to settle.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.inflight.Wait()
}

// Tick runs one full dispatch pass. Exported so tests and the resume path
// can drive the loop synchronously.
func (d *Dispatcher) Tick(ctx domain.Context) {
	started := time.Now()
	defer func() {
		observability.DispatchLoopDuration.Observe(time.Since(started).Seconds())
	}()
	d.tick++

	d.resolve(ctx)
	d.progressComposites(ctx)
	depths, err := d.q.Depths(ctx)
	if err != nil {
		slog.Default().Warn("queue depth probe failed", slog.Any("error", err))
	}
	d.claimAndRun(ctx, depths)
	if err := d.q.CronSweep(ctx); err != nil {
		slog.Default().Warn("cron sweep failed", slog.Any("error", err))
	}
	d.sweepStuck(ctx)
	if backlog(depths) == 0 {
		// An idle tick retires at most one surplus worker; sustained quiet
		// drains the pool back to the floor.
		d.pool.ScaleDown(ctx)
	}
}

func backlog(depths map[domain.Band]int) int {
	n := 0
	for _, v := range depths {
		n += v
	}
	return n
}

// resolve promotes ready pending jobs and terminally fails jobs whose
// dependencies failed, with the failed ids in the message.
func (d *Dispatcher) resolve(ctx domain.Context) {
	resolution, err := d.res.Resolve(ctx)
	if err != nil {
		slog.Default().Warn("resolution failed", slog.Any("error", err))
		return
	}
	for _, f := range resolution.Failed {
		if err := d.q.FailTerminal(ctx, f.Job, f.Error()); err != nil {
			slog.Default().Warn("failure propagation failed",
				slog.String("job_id", f.Job.ID), slog.Any("error", err))
		}
	}
	for _, j := range resolution.Ready {
		if err := d.q.Enqueue(ctx, j.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Default().Warn("enqueue failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
}

// claimAndRun drains queued jobs onto idle workers, band by band. The pool
// scales up only while the band's measured backlog remains, so a tick with
// nothing queued never spawns a worker.
func (d *Dispatcher) claimAndRun(ctx domain.Context, depths map[domain.Band]int) {
	for _, band := range d.q.BandOrder(d.tick) {
		for remaining := depths[band]; remaining > 0; remaining-- {
			w := d.idleWorker(ctx)
			if w == nil {
				return
			}
			job, err := d.q.ClaimNext(ctx, band, w.ID)
			if err != nil {
				w.Release()
				if !errors.Is(err, domain.ErrNotFound) {
					slog.Default().Warn("claim failed",
						slog.String("band", string(band)), slog.Any("error", err))
				}
				break
			}
			d.inflight.Add(1)
			go d.execute(ctx, w, job)
		}
	}
}

func (d *Dispatcher) idleWorker(ctx domain.Context) *workerpool.Worker {
	if w := d.pool.Idle(); w != nil {
		return w
	}
	w := d.pool.ScaleUp(ctx)
	if w == nil || !w.TryAcquire() {
		return nil
	}
	return w
}

func (d *Dispatcher) execute(ctx domain.Context, w *workerpool.Worker, job domain.Job) {
	defer d.inflight.Done()
	defer w.Release()

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), job.Timeout)
	defer cancel()
	jctx = observability.ContextWithJobID(jctx, job.ID)

	var (
		res domain.JobResult
		err error
	)
	if h, ok := d.q.ProcessorFor(job.Type); ok {
		res, err = h(jctx, job)
	} else {
		res, err = w.ExecuteJob(jctx, job)
	}

	switch {
	case errors.Is(err, workerpool.ErrWaiting):
		// Composite stays running; unbinding the worker hands the job to the
		// per-tick re-evaluation.
		if uerr := d.jobs.SetWorker(ctx, job.ID, nil); uerr != nil {
			slog.Default().Warn("unbinding waiting composite failed",
				slog.String("job_id", job.ID), slog.Any("error", uerr))
		}
	case err != nil:
		if ferr := d.q.Fail(ctx, job, err.Error()); ferr != nil {
			slog.Default().Warn("fail transition failed",
				slog.String("job_id", job.ID), slog.Any("error", ferr))
		}
	default:
		if cerr := d.q.Complete(ctx, job.ID, res); cerr != nil {
			slog.Default().Warn("complete transition failed",
				slog.String("job_id", job.ID), slog.Any("error", cerr))
		}
	}
}

// progressComposites re-evaluates running composites that are not bound to a
// worker: completed children finish the parent, a failed child fails it, and
// anything else leaves it running for a later tick.
func (d *Dispatcher) progressComposites(ctx domain.Context) {
	running, err := d.jobs.ListByStatus(ctx, domain.JobRunning, 500)
	if err != nil {
		slog.Default().Warn("listing running jobs failed", slog.Any("error", err))
		return
	}
	for _, j := range running {
		if j.Type != domain.JobTypeComposite && j.Type != domain.JobTypeWorkflow {
			continue
		}
		if j.WorkerID != nil {
			continue
		}
		d.evaluateComposite(ctx, j)
	}
}

func (d *Dispatcher) evaluateComposite(ctx domain.Context, j domain.Job) {
	children, err := d.jobs.ListChildren(ctx, j.ID)
	if err != nil {
		slog.Default().Warn("listing children failed",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	completed := 0
	for _, c := range children {
		switch c.Status {
		case domain.JobFailed, domain.JobCancelled:
			msg := fmt.Sprintf("child job %s %s: %s", c.ID, c.Status, c.Error)
			if err := d.q.FailTerminal(ctx, j, msg); err != nil {
				slog.Default().Warn("composite fail transition failed",
					slog.String("job_id", j.ID), slog.Any("error", err))
			}
			return
		case domain.JobCompleted:
			completed++
		}
	}
	// No children yet means the workflow submit is still in flight, not an
	// empty workflow that finished.
	if len(children) == 0 || completed < len(children) {
		return
	}
	summary, _ := json.Marshal(map[string]int{"childCount": len(children), "completedCount": completed})
	res := domain.JobResult{JobID: j.ID, Output: string(summary)}
	if j.StartedAt != nil {
		res.Duration = time.Since(*j.StartedAt)
	}
	if err := d.q.Complete(ctx, j.ID, res); err != nil {
		slog.Default().Warn("composite complete transition failed",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// sweepStuck fails running jobs that outlived their timeout and whose worker
// is gone. In-flight jobs in this process are excluded by their live worker
// row; this path exists for jobs orphaned across restarts.
func (d *Dispatcher) sweepStuck(ctx domain.Context) {
	running, err := d.jobs.ListByStatus(ctx, domain.JobRunning, 500)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, j := range running {
		if j.Type == domain.JobTypeComposite || j.Type == domain.JobTypeWorkflow {
			continue
		}
		if j.StartedAt == nil || now.Sub(*j.StartedAt) < j.Timeout+d.stuckAfter {
			continue
		}
		if j.WorkerID != nil {
			row, err := d.workers.Get(ctx, *j.WorkerID)
			if err == nil && row.Status != domain.WorkerOffline {
				continue
			}
		}
		if err := d.q.Fail(ctx, j, "job timed out"); err != nil {
			slog.Default().Warn("stuck sweep fail transition failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
}
