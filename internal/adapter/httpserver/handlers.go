package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// JobService is the queue surface the API needs.
type JobService interface {
	Submit(ctx domain.Context, sub domain.JobSubmission) (domain.Job, error)
	SubmitBatch(ctx domain.Context, subs []domain.JobSubmission) ([]domain.Job, error)
	Cancel(ctx domain.Context, jobID string) error
	Resume(ctx domain.Context, jobID string, operatorInput map[string]any) error
}

// WorkflowService submits a named multi-step workflow.
type WorkflowService interface {
	SubmitWorkflow(ctx domain.Context, name string, mode domain.ExecutionMode, steps []domain.JobSubmission) (domain.Job, []domain.Job, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Queue     JobService
	Workflows WorkflowService
	Jobs      domain.JobRepository
	Results   domain.ResultRepository
	Workers   domain.WorkerRepository
	DBCheck   func(ctx context.Context) error
	AgentWS   http.HandlerFunc
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type jobRequest struct {
	Name           string            `json:"name" validate:"required,max=200"`
	Type           string            `json:"type" validate:"required,oneof=prompt tool composite workflow"`
	Priority       *int              `json:"priority" validate:"omitempty,min=0,max=10"`
	Dependencies   []string          `json:"dependencies"`
	ExecutionMode  string            `json:"executionMode" validate:"omitempty,oneof=sequential parallel batch"`
	Payload        domain.JobPayload `json:"payload"`
	MaxRetries     *int              `json:"maxRetries" validate:"omitempty,min=0,max=10"`
	TimeoutSeconds *int              `json:"timeoutSeconds" validate:"omitempty,min=1,max=3600"`
	ScheduledFor   *time.Time        `json:"scheduledFor"`
	CronExpr       string            `json:"cronExpr"`
}

func (jr jobRequest) toSubmission() domain.JobSubmission {
	sub := domain.JobSubmission{
		Name:          jr.Name,
		Type:          domain.JobType(jr.Type),
		Priority:      jr.Priority,
		Dependencies:  jr.Dependencies,
		ExecutionMode: domain.ExecutionMode(jr.ExecutionMode),
		Payload:       jr.Payload,
		MaxRetries:    jr.MaxRetries,
		ScheduledFor:  jr.ScheduledFor,
		CronExpr:      jr.CronExpr,
	}
	if jr.TimeoutSeconds != nil {
		d := time.Duration(*jr.TimeoutSeconds) * time.Second
		sub.Timeout = &d
	}
	return sub
}

type jobView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Priority      int               `json:"priority"`
	Band          string            `json:"band"`
	ParentJobID   *string           `json:"parentJobId,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	ExecutionMode string            `json:"executionMode,omitempty"`
	Status        string            `json:"status"`
	Error         string            `json:"error,omitempty"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	WorkerID      *string           `json:"workerId,omitempty"`
	CronExpr      string            `json:"cronExpr,omitempty"`
	ScheduledFor  *time.Time        `json:"scheduledFor,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Result        *jobResultView    `json:"result,omitempty"`
	Payload       domain.JobPayload `json:"payload"`
}

type jobResultView struct {
	Success      bool   `json:"success"`
	Output       string `json:"output"`
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	DurationMS   int64  `json:"durationMs"`
}

func viewOf(j domain.Job) jobView {
	return jobView{
		ID:            j.ID,
		Name:          j.Name,
		Type:          string(j.Type),
		Priority:      j.Priority,
		Band:          string(j.Band()),
		ParentJobID:   j.ParentJobID,
		Dependencies:  j.Dependencies,
		ExecutionMode: string(j.ExecutionMode),
		Status:        string(j.Status),
		Error:         j.Error,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		WorkerID:      j.WorkerID,
		CronExpr:      j.CronExpr,
		ScheduledFor:  j.ScheduledFor,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Payload:       j.Payload,
	}
}

func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// SubmitJobHandler accepts one job submission.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if !decodeValid(w, r, &req) {
			return
		}
		job, err := s.Queue.Submit(r.Context(), req.toSubmission())
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(job))
	}
}

// SubmitBatchHandler accepts a list of jobs submitted in order. The first
// failure aborts the remainder.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Jobs []jobRequest `json:"jobs" validate:"required,min=1,max=100,dive"`
		}
		if !decodeValid(w, r, &req) {
			return
		}
		subs := make([]domain.JobSubmission, 0, len(req.Jobs))
		for _, jr := range req.Jobs {
			subs = append(subs, jr.toSubmission())
		}
		jobs, err := s.Queue.SubmitBatch(r.Context(), subs)
		if err != nil {
			writeError(w, r, fmt.Errorf("submit batch: %w", err), nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": views})
	}
}

// SubmitWorkflowHandler accepts a named workflow of steps.
func (s *Server) SubmitWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string       `json:"name" validate:"required,max=200"`
			Mode  string       `json:"mode" validate:"omitempty,oneof=sequential parallel batch"`
			Steps []jobRequest `json:"steps" validate:"required,min=1,max=50,dive"`
		}
		if !decodeValid(w, r, &req) {
			return
		}
		steps := make([]domain.JobSubmission, 0, len(req.Steps))
		for _, jr := range req.Steps {
			steps = append(steps, jr.toSubmission())
		}
		mode := domain.ExecutionMode(req.Mode)
		if mode == "" {
			mode = domain.ModeSequential
		}
		parent, children, err := s.Workflows.SubmitWorkflow(r.Context(), req.Name, mode, steps)
		if err != nil {
			writeError(w, r, fmt.Errorf("submit workflow: %w", err), nil)
			return
		}
		views := make([]jobView, 0, len(children))
		for _, j := range children {
			views = append(views, viewOf(j))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"workflow": viewOf(parent), "steps": views})
	}
}

// GetJobHandler returns one job, including its result once terminal.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		view := viewOf(job)
		if res, err := s.Results.GetByJobID(r.Context(), id); err == nil {
			view.Result = &jobResultView{
				Success:      res.Success,
				Output:       res.Output,
				Error:        res.Error,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				DurationMS:   res.Duration.Milliseconds(),
			}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// ListJobsHandler lists jobs filtered by status, plus counts per status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1..500", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		counts, err := s.Jobs.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		statuses := []domain.JobStatus{domain.JobPending, domain.JobQueued, domain.JobRunning}
		if v := r.URL.Query().Get("status"); v != "" {
			statuses = []domain.JobStatus{domain.JobStatus(v)}
		}
		views := make([]jobView, 0, limit)
		for _, st := range statuses {
			jobs, err := s.Jobs.ListByStatus(r.Context(), st, limit-len(views))
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			for _, j := range jobs {
				views = append(views, viewOf(j))
			}
			if len(views) >= limit {
				break
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "counts": counts})
	}
}

// CancelJobHandler cancels a non-terminal job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Queue.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobCancelled)})
	}
}

// ResumeJobHandler resumes a job held for operator input, merging that
// input into the job context.
func (s *Server) ResumeJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			OperatorInput map[string]any `json:"operatorInput"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
		}
		if err := s.Queue.Resume(r.Context(), id, req.OperatorInput); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobQueued)})
	}
}

// DeleteJobHandler removes a job and its result and tool tasks.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListWorkersHandler returns the live worker roster.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	type workerView struct {
		ID                  string    `json:"id"`
		Name                string    `json:"name"`
		Status              string    `json:"status"`
		CurrentJobID        *string   `json:"currentJobId,omitempty"`
		LastHeartbeat       time.Time `json:"lastHeartbeat"`
		TotalJobsProcessed  int       `json:"totalJobsProcessed"`
		TotalTokensUsed     int       `json:"totalTokensUsed"`
		ConsecutiveFailures int       `json:"consecutiveFailures"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Workers.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]workerView, 0, len(workers))
		for _, wk := range workers {
			views = append(views, workerView{
				ID:                  wk.ID,
				Name:                wk.Name,
				Status:              string(wk.Status),
				CurrentJobID:        wk.CurrentJobID,
				LastHeartbeat:       wk.LastHeartbeat,
				TotalJobsProcessed:  wk.TotalJobsProcessed,
				TotalTokensUsed:     wk.TotalTokensUsed,
				ConsecutiveFailures: wk.ConsecutiveFailures,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views})
	}
}

// HealthHandler reports queue depth, worker status, and 24h throughput.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Jobs.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		completed24h, err := s.Jobs.CountCompletedSince(r.Context(), time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		workers, err := s.Workers.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var active, idle, unhealthy int
		for _, wk := range workers {
			switch wk.Status {
			case domain.WorkerBusy:
				active++
			case domain.WorkerIdle:
				idle++
			default:
				unhealthy++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue": map[string]int{
				"pending":      counts[domain.JobPending] + counts[domain.JobQueued],
				"running":      counts[domain.JobRunning],
				"completed24h": completed24h,
			},
			"workers": map[string]int{
				"active":    active,
				"idle":      idle,
				"unhealthy": unhealthy,
			},
			"throughput": float64(completed24h) / 24.0,
		})
	}
}

// ReadyzHandler probes the database when one is configured.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
