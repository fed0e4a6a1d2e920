// Package workerpool maintains the elastic pool of LLM-bound workers:
// lifecycle, heartbeats, health checks, scaling, and per-job execution.
package workerpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
)

// ErrWaiting is the non-terminal outcome of a composite job whose children
// have not all finished. The dispatcher keeps the composite running and
// re-evaluates it on later ticks.
var ErrWaiting = errors.New("composite children not complete")

// ReplyProcessor post-processes a raw Generator reply. The bool result is
// false when the reply is not a structured tool-call payload, in which case
// the raw text stands as the job output.
type ReplyProcessor interface {
	ProcessReply(ctx domain.Context, jobID, reply string) (string, bool, error)
}

// Worker is one logical execution slot. A worker processes one job at a
// time; its durable row carries heartbeat and accounting state.
type Worker struct {
	ID   string
	Name string

	gen     domain.Generator
	jobs    domain.JobRepository
	workers domain.WorkerRepository
	proc    ReplyProcessor

	mu       sync.Mutex
	reserved bool
}

// NewWorker constructs a worker around an existing durable registration.
func NewWorker(id, name string, gen domain.Generator, jobs domain.JobRepository, workers domain.WorkerRepository, proc ReplyProcessor) *Worker {
	return &Worker{ID: id, Name: name, gen: gen, jobs: jobs, workers: workers, proc: proc}
}

// TryAcquire reserves the worker for one job. It returns false when the
// worker is already reserved.
func (w *Worker) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserved {
		return false
	}
	w.reserved = true
	return true
}

// Release returns the worker to the idle set.
func (w *Worker) Release() {
	w.mu.Lock()
	w.reserved = false
	w.mu.Unlock()
}

// Idle reports whether the worker is free to take a job.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.reserved
}

// ExecuteJob runs one job to an output. The caller owns the terminal
// transition; this method owns the worker row bookkeeping.
func (w *Worker) ExecuteJob(ctx domain.Context, job domain.Job) (domain.JobResult, error) {
	started := time.Now()
	if err := w.markBusy(ctx, job.ID); err != nil {
		return domain.JobResult{}, err
	}

	out, err := w.run(ctx, job)
	res := domain.JobResult{
		JobID:        job.ID,
		Output:       out.Output,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Duration:     time.Since(started),
	}
	if err != nil {
		// Waiting composites release the slot without counting a failure
		// or a processed job.
		if errors.Is(err, ErrWaiting) {
			w.markIdle(ctx, 0, false)
			return res, err
		}
		w.markError(ctx)
		return res, err
	}
	res.Success = true
	w.markIdle(ctx, out.InputTokens+out.OutputTokens, true)
	return res, nil
}

type execOutput struct {
	Output       string
	InputTokens  int
	OutputTokens int
}

func (w *Worker) run(ctx domain.Context, job domain.Job) (execOutput, error) {
	ctx = observability.ContextWithJobID(ctx, job.ID)
	switch job.Type {
	case domain.JobTypePrompt:
		return w.runPrompt(ctx, job)
	case domain.JobTypeTool:
		return w.runTool(ctx, job)
	case domain.JobTypeComposite, domain.JobTypeWorkflow:
		return w.runComposite(ctx, job)
	default:
		return execOutput{}, fmt.Errorf("op=worker.run: type %q: %w", job.Type, domain.ErrInvalidArgument)
	}
}

func (w *Worker) runPrompt(ctx domain.Context, job domain.Job) (execOutput, error) {
	prompt := job.Payload.Prompt
	if len(job.Payload.Context) > 0 {
		extra, err := json.Marshal(job.Payload.Context)
		if err == nil {
			prompt = prompt + "\n\nContext:\n" + string(extra)
		}
	}
	resp, err := w.gen.Generate(ctx, domain.GenerateRequest{SystemPrompt: job.Payload.SystemPrompt, Prompt: prompt})
	if err != nil {
		return execOutput{}, fmt.Errorf("op=worker.prompt: %w", err)
	}
	out := execOutput{Output: resp.Text, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	observability.GeneratorTokensTotal.WithLabelValues("input").Add(float64(resp.InputTokens))
	observability.GeneratorTokensTotal.WithLabelValues("output").Add(float64(resp.OutputTokens))
	if w.proc != nil {
		processed, handled, err := w.proc.ProcessReply(ctx, job.ID, resp.Text)
		if err != nil {
			return out, fmt.Errorf("op=worker.prompt: %w", err)
		}
		if handled {
			out.Output = processed
		}
	}
	return out, nil
}

func (w *Worker) runTool(ctx domain.Context, job domain.Job) (execOutput, error) {
	args, err := json.Marshal(job.Payload.ToolArgs)
	if err != nil {
		return execOutput{}, fmt.Errorf("op=worker.tool: %w", err)
	}
	prompt := fmt.Sprintf(
		"Perform the tool call %q with the following arguments:\n%s\n\nRespond with a single JSON object and nothing else.",
		job.Payload.ToolName, string(args))
	resp, err := w.gen.Generate(ctx, domain.GenerateRequest{Prompt: prompt})
	if err != nil {
		return execOutput{}, fmt.Errorf("op=worker.tool: %w", err)
	}
	parsed, err := parseJSONReply(resp.Text)
	if err != nil {
		return execOutput{}, fmt.Errorf("op=worker.tool: %w", err)
	}
	return execOutput{Output: parsed, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}, nil
}

// parseJSONReply strips an optional code fence and re-encodes the object so
// the stored output is canonical JSON.
func parseJSONReply(reply string) (string, error) {
	body := strings.TrimSpace(reply)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if i := strings.LastIndex(body, "```"); i >= 0 {
			body = body[:i]
		}
		body = strings.TrimSpace(body)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

func (w *Worker) runComposite(ctx domain.Context, job domain.Job) (execOutput, error) {
	children, err := w.jobs.ListChildren(ctx, job.ID)
	if err != nil {
		return execOutput{}, fmt.Errorf("op=worker.composite: %w", err)
	}
	completed := 0
	for _, c := range children {
		switch c.Status {
		case domain.JobFailed, domain.JobCancelled:
			return execOutput{}, fmt.Errorf("op=worker.composite: child %s %s: %s", c.ID, c.Status, c.Error)
		case domain.JobCompleted:
			completed++
		}
	}
	// A parent claimed before its first child is registered waits too;
	// zero children never reads as zero-of-zero complete.
	if len(children) == 0 || completed < len(children) {
		return execOutput{}, ErrWaiting
	}
	summary, _ := json.Marshal(map[string]int{"childCount": len(children), "completedCount": completed})
	return execOutput{Output: string(summary)}, nil
}

func (w *Worker) markBusy(ctx domain.Context, jobID string) error {
	row, err := w.workers.Get(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("op=worker.busy: %w", err)
	}
	row.Status = domain.WorkerBusy
	row.CurrentJobID = &jobID
	row.ActiveJobs++
	return w.workers.Update(ctx, row)
}

func (w *Worker) markIdle(ctx domain.Context, tokens int, processed bool) {
	row, err := w.workers.Get(ctx, w.ID)
	if err != nil {
		return
	}
	row.Status = domain.WorkerIdle
	row.CurrentJobID = nil
	if row.ActiveJobs > 0 {
		row.ActiveJobs--
	}
	if processed {
		row.TotalJobsProcessed++
		row.TotalTokensUsed += tokens
		row.ConsecutiveFailures = 0
	}
	_ = w.workers.Update(ctx, row)
}

func (w *Worker) markError(ctx domain.Context) {
	row, err := w.workers.Get(ctx, w.ID)
	if err != nil {
		return
	}
	row.Status = domain.WorkerError
	row.CurrentJobID = nil
	if row.ActiveJobs > 0 {
		row.ActiveJobs--
	}
	row.ConsecutiveFailures++
	_ = w.workers.Update(ctx, row)
}
