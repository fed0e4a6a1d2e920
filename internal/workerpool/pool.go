package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
)

// Rescheduler re-runs a job whose worker died, under the normal retry
// budget. Satisfied by *queue.Queue.
type Rescheduler interface {
	Fail(ctx domain.Context, job domain.Job, errMsg string) error
}

// Config bounds and paces the pool.
type Config struct {
	MinWorkers             int
	MaxWorkers             int
	HeartbeatInterval      time.Duration
	HealthCheckInterval    time.Duration
	UnhealthyThreshold     time.Duration
	MaxConsecutiveFailures int
}

// Pool owns the live worker set. Workers are durable rows plus an
// in-process execution slot; the pool spawns up to MaxWorkers, never
// shrinks below MinWorkers, and replaces workers it declares dead.
type Pool struct {
	cfg     Config
	gen     domain.Generator
	jobs    domain.JobRepository
	workers domain.WorkerRepository
	resched Rescheduler
	events  domain.EventSink
	proc    ReplyProcessor

	mu      sync.Mutex
	members map[string]*Worker
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, gen domain.Generator, jobs domain.JobRepository, workers domain.WorkerRepository, resched Rescheduler, events domain.EventSink, proc ReplyProcessor) *Pool {
	if events == nil {
		events = domain.NopSink{}
	}
	return &Pool{
		cfg:     cfg,
		gen:     gen,
		jobs:    jobs,
		workers: workers,
		resched: resched,
		events:  events,
		proc:    proc,
		members: make(map[string]*Worker),
		cancels: make(map[string]context.CancelFunc),
		stop:    make(chan struct{}),
	}
}

// Start spawns the minimum worker set and begins the health-check loop.
func (p *Pool) Start(ctx domain.Context) error {
	for i := 0; i < p.cfg.MinWorkers; i++ {
		if _, err := p.Spawn(ctx); err != nil {
			return fmt.Errorf("op=pool.start: %w", err)
		}
	}
	p.wg.Add(1)
	go p.healthLoop(ctx)
	return nil
}

// Spawn registers a new worker and starts its heartbeat. It fails with
// ErrConflict at MaxWorkers.
func (p *Pool) Spawn(ctx domain.Context) (*Worker, error) {
	p.mu.Lock()
	if len(p.members) >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return nil, fmt.Errorf("op=pool.spawn: at capacity (%d): %w", p.cfg.MaxWorkers, domain.ErrConflict)
	}
	p.mu.Unlock()

	id := uuid.NewString()
	name := fmt.Sprintf("worker-%s", id[:8])
	row := domain.Worker{
		ID:             id,
		Name:           name,
		Type:           "llm",
		Status:         domain.WorkerIdle,
		MaxConcurrency: 1,
		LastHeartbeat:  time.Now(),
	}
	if _, err := p.workers.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("op=pool.spawn: %w", err)
	}

	w := NewWorker(id, name, p.gen, p.jobs, p.workers, p.proc)
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.members[id] = w
	p.cancels[id] = cancel
	size := len(p.members)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.heartbeatLoop(hbCtx, id)

	observability.WorkersGauge.WithLabelValues(string(domain.WorkerIdle)).Set(float64(size))
	p.events.Publish(ctx, domain.Event{Type: domain.EventWorkerSpawned, WorkerID: id})
	slog.Default().Info("worker spawned", slog.String("worker_id", id), slog.Int("pool_size", size))
	return w, nil
}

// Idle reserves and returns an idle worker, or nil when every slot is busy.
func (p *Pool) Idle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.members {
		if w.TryAcquire() {
			return w
		}
	}
	return nil
}

// ScaleUp adds one worker when capacity allows. Returns the new worker or
// nil at the ceiling.
func (p *Pool) ScaleUp(ctx domain.Context) *Worker {
	w, err := p.Spawn(ctx)
	if err != nil {
		return nil
	}
	return w
}

// ScaleDown retires one idle worker when the pool is above the floor.
func (p *Pool) ScaleDown(ctx domain.Context) bool {
	p.mu.Lock()
	var victim string
	if len(p.members) > p.cfg.MinWorkers {
		for id, w := range p.members {
			if w.Idle() {
				victim = id
				break
			}
		}
	}
	p.mu.Unlock()
	if victim == "" {
		return false
	}
	p.remove(ctx, victim, "scale down")
	return true
}

// Size returns the live worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *Pool) heartbeatLoop(ctx domain.Context, id string) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := p.workers.Heartbeat(ctx, id, now); err != nil {
				slog.Default().Warn("worker heartbeat failed",
					slog.String("worker_id", id), slog.Any("error", err))
			}
		}
	}
}

func (p *Pool) healthLoop(ctx domain.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.HealthCheck(ctx)
		}
	}
}

// HealthCheck sweeps the durable worker set: workers whose last heartbeat is
// older than the unhealthy threshold, or that failed too many jobs in a row,
// are marked offline and their running jobs are rescheduled. The pool then
// tops itself back up to the minimum.
func (p *Pool) HealthCheck(ctx domain.Context) {
	rows, err := p.workers.List(ctx)
	if err != nil {
		slog.Default().Warn("health check list failed", slog.Any("error", err))
		return
	}
	cutoff := time.Now().Add(-p.cfg.UnhealthyThreshold)
	for _, row := range rows {
		if row.Status == domain.WorkerOffline {
			continue
		}
		switch {
		case row.LastHeartbeat.Before(cutoff):
			p.retire(ctx, row, "heartbeat stale")
		case row.ConsecutiveFailures >= p.cfg.MaxConsecutiveFailures:
			p.retire(ctx, row, fmt.Sprintf("%d consecutive failures", row.ConsecutiveFailures))
		}
	}

	p.mu.Lock()
	deficit := p.cfg.MinWorkers - len(p.members)
	p.mu.Unlock()
	for i := 0; i < deficit; i++ {
		if _, err := p.Spawn(ctx); err != nil {
			slog.Default().Warn("replacement spawn failed", slog.Any("error", err))
			return
		}
	}
}

// retire takes a worker out of service and pushes its in-flight jobs back
// through the retry path with a "worker lost" cause.
func (p *Pool) retire(ctx domain.Context, row domain.Worker, reason string) {
	slog.Default().Warn("retiring worker",
		slog.String("worker_id", row.ID), slog.String("reason", reason))

	orphans, err := p.jobs.ListByWorker(ctx, row.ID, domain.JobRunning)
	if err != nil {
		slog.Default().Warn("listing orphaned jobs failed",
			slog.String("worker_id", row.ID), slog.Any("error", err))
	}
	for _, j := range orphans {
		if err := p.resched.Fail(ctx, j, "worker lost: "+reason); err != nil {
			slog.Default().Warn("rescheduling orphan failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	p.remove(ctx, row.ID, reason)
}

func (p *Pool) remove(ctx domain.Context, id, reason string) {
	p.mu.Lock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
	delete(p.members, id)
	size := len(p.members)
	p.mu.Unlock()

	row, err := p.workers.Get(ctx, id)
	if err == nil {
		row.Status = domain.WorkerOffline
		row.CurrentJobID = nil
		_ = p.workers.Update(ctx, row)
	}
	observability.WorkersGauge.WithLabelValues(string(domain.WorkerIdle)).Set(float64(size))
	p.events.Publish(ctx, domain.Event{Type: domain.EventWorkerRemoved, WorkerID: id})
}

// Shutdown stops heartbeats and marks every member offline. In-flight jobs
// are left to the stuck-job sweeper on the next start.
func (p *Pool) Shutdown(ctx domain.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.remove(ctx, id, "shutdown")
	}
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
