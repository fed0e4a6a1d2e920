// Package memory provides in-memory repository implementations with the
// same transition semantics as the Postgres adapters. Used in tests and in
// dev mode when no database is configured.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Store holds every durable entity behind one mutex. All repository
// interfaces are implemented on *Store.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	results  map[string]domain.JobResult
	workers  map[string]domain.Worker
	tasks    map[string]domain.ToolTask
	logs     []domain.ExecutionLog
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    map[string]domain.Job{},
		results: map[string]domain.JobResult{},
		workers: map[string]domain.Worker{},
		tasks:   map[string]domain.ToolTask{},
	}
}

// --- JobRepository ---

func (s *Store) Create(_ domain.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, ok := s.jobs[j.ID]; ok {
		return "", fmt.Errorf("op=job.create: %w", domain.ErrConflict)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *Store) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *Store) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrConflict)
	}
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	} else {
		j.Error = ""
	}
	if status.Terminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	s.jobs[id] = j
	return nil
}

func (s *Store) ClaimNext(_ domain.Context, band domain.Band, workerID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var best *domain.Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.Status != domain.JobQueued || j.Band() != band {
			continue
		}
		if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
			continue
		}
		if best == nil || less(j, *best) {
			cp := j
			best = &cp
		}
	}
	if best == nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
	}
	best.Status = domain.JobRunning
	best.WorkerID = &workerID
	best.StartedAt = &now
	s.jobs[best.ID] = *best
	return *best, nil
}

func less(a, b domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) MarkQueued(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobPending {
		return fmt.Errorf("op=job.mark_queued: %w", domain.ErrConflict)
	}
	j.Status = domain.JobQueued
	s.jobs[id] = j
	return nil
}

func (s *Store) Requeue(_ domain.Context, id string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("op=job.requeue: %w", domain.ErrConflict)
	}
	j.Status = domain.JobPending
	j.RetryCount = retryCount
	j.WorkerID = nil
	j.StartedAt = nil
	s.jobs[id] = j
	return nil
}

func (s *Store) SetWorker(_ domain.Context, id string, workerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.set_worker: %w", domain.ErrNotFound)
	}
	j.WorkerID = workerID
	s.jobs[id] = j
	return nil
}

func (s *Store) Reschedule(_ domain.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("op=job.reschedule: %w", domain.ErrConflict)
	}
	j.ScheduledFor = &at
	s.jobs[id] = j
	return nil
}

func (s *Store) ClearCron(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.clear_cron: %w", domain.ErrNotFound)
	}
	j.CronExpr = ""
	s.jobs[id] = j
	return nil
}

func (s *Store) UpdatePayload(_ domain.Context, id string, payload domain.JobPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_payload: %w", domain.ErrNotFound)
	}
	j.Payload = payload
	s.jobs[id] = j
	return nil
}

func (s *Store) ListByStatus(_ domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByWorker(_ domain.Context, workerID string, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status && j.WorkerID != nil && *j.WorkerID == workerID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListChildren(_ domain.Context, parentID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.ParentJobID != nil && *j.ParentJobID == parentID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListDependents(_ domain.Context, id string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		for _, dep := range j.Dependencies {
			if dep == id {
				out = append(out, j)
				break
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) CountByStatus(_ domain.Context) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *Store) CountCompletedSince(_ domain.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == domain.JobCompleted && j.CompletedAt != nil && !j.CompletedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.results, id)
	// Cascade: tool tasks traced to this job go with it.
	for tid, t := range s.tasks {
		if t.MessageID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

// --- ResultRepository ---

func (s *Store) CreateResult(_ domain.Context, r domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.JobID]; ok {
		return fmt.Errorf("op=result.create: %w", domain.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.results[r.JobID] = r
	return nil
}

func (s *Store) GetByJobID(_ domain.Context, jobID string) (domain.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return domain.JobResult{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

// Results returns a ResultRepository view over the store.
func (s *Store) Results() domain.ResultRepository { return resultView{s} }

type resultView struct{ s *Store }

func (v resultView) Create(ctx domain.Context, r domain.JobResult) error {
	return v.s.CreateResult(ctx, r)
}
func (v resultView) GetByJobID(ctx domain.Context, jobID string) (domain.JobResult, error) {
	return v.s.GetByJobID(ctx, jobID)
}

// --- WorkerRepository ---

// Workers returns a WorkerRepository view over the store.
func (s *Store) Workers() domain.WorkerRepository { return workerView{s} }

type workerView struct{ s *Store }

func (v workerView) Create(_ domain.Context, w domain.Worker) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now().UTC()
	}
	v.s.workers[w.ID] = w
	return w.ID, nil
}

func (v workerView) Get(_ domain.Context, id string) (domain.Worker, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	w, ok := v.s.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
	}
	return w, nil
}

func (v workerView) Update(_ domain.Context, w domain.Worker) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cur, ok := v.s.workers[w.ID]
	if !ok {
		return fmt.Errorf("op=worker.update: %w", domain.ErrNotFound)
	}
	w.CreatedAt = cur.CreatedAt
	w.LastHeartbeat = cur.LastHeartbeat
	v.s.workers[w.ID] = w
	return nil
}

func (v workerView) Heartbeat(_ domain.Context, id string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	w, ok := v.s.workers[id]
	if !ok {
		return fmt.Errorf("op=worker.heartbeat: %w", domain.ErrNotFound)
	}
	w.LastHeartbeat = at.UTC()
	v.s.workers[id] = w
	return nil
}

func (v workerView) List(_ domain.Context) ([]domain.Worker, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]domain.Worker, 0, len(v.s.workers))
	for _, w := range v.s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (v workerView) Delete(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.workers, id)
	return nil
}

// --- ToolTaskRepository ---

// ToolTasks returns a ToolTaskRepository view over the store.
func (s *Store) ToolTasks() domain.ToolTaskRepository { return taskView{s} }

type taskView struct{ s *Store }

func (v taskView) Create(_ domain.Context, t domain.ToolTask) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	t.Status = domain.TaskRunning
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	v.s.tasks[t.ID] = t
	return t.ID, nil
}

func (v taskView) Finish(_ domain.Context, id string, status domain.ToolTaskStatus, result, errMsg string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		return fmt.Errorf("op=tooltask.finish: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.ExecutedAt = &now
	v.s.tasks[id] = t
	return nil
}

// TasksByMessage returns every tool task recorded for one message, oldest
// first. Test-facing accessor.
func (s *Store) TasksByMessage(messageID string) []domain.ToolTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ToolTask
	for _, t := range s.tasks {
		if t.MessageID == messageID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (v taskView) Get(_ domain.Context, id string) (domain.ToolTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.tasks[id]
	if !ok {
		return domain.ToolTask{}, fmt.Errorf("op=tooltask.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

// --- ExecutionLogRepository ---

// ExecutionLogs returns an ExecutionLogRepository view over the store.
func (s *Store) ExecutionLogs() domain.ExecutionLogRepository { return logView{s} }

type logView struct{ s *Store }

func (v logView) Append(_ domain.Context, e domain.ExecutionLog) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	v.s.logs = append(v.s.logs, e)
	return nil
}

func (v logView) ListByTask(_ domain.Context, taskID string) ([]domain.ExecutionLog, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.ExecutionLog
	for _, e := range v.s.logs {
		if e.TaskID != nil && *e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}
