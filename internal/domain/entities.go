// Package domain defines the core entities and ports of the orchestrator.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrCycle             = errors.New("dependency cycle")
	ErrAgentUnavailable  = errors.New("desktop agent unavailable")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// JobType enumerates the kinds of work a job can carry.
type JobType string

const (
	JobTypePrompt    JobType = "prompt"
	JobTypeTool      JobType = "tool"
	JobTypeComposite JobType = "composite"
	JobTypeWorkflow  JobType = "workflow"
)

// JobStatus is the lifecycle state of a job. Terminal states
// (completed, failed, cancelled) are absorbing.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ExecutionMode controls how a composite job runs its children.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeBatch      ExecutionMode = "batch"
)

// Defaults applied at submission when the caller leaves fields zero.
const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	DefaultTimeout    = 300_000 * time.Millisecond
)

// Band is a coarse priority bucket; lower numeric priority is more urgent.
type Band string

const (
	BandHigh   Band = "high"   // priority <= 2
	BandNormal Band = "normal" // priority 3..5
	BandLow    Band = "low"    // priority > 5
)

// BandFor maps a numeric priority onto its band.
func BandFor(priority int) Band {
	switch {
	case priority <= 2:
		return BandHigh
	case priority <= 5:
		return BandNormal
	default:
		return BandLow
	}
}

// Bands lists all bands from most to least urgent.
func Bands() []Band { return []Band{BandHigh, BandNormal, BandLow} }

// JobPayload is the per-type body of a job. Exactly the fields relevant to
// the job's type are populated; the rest stay zero.
type JobPayload struct {
	// prompt jobs
	Prompt       string         `json:"prompt,omitempty"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	// tool jobs
	ToolName string         `json:"toolName,omitempty"`
	ToolArgs map[string]any `json:"toolArgs,omitempty"`
	// composite jobs
	ChildJobs []string `json:"childJobs,omitempty"`
}

// Job is a unit of durable work.
type Job struct {
	ID            string
	Name          string
	Type          JobType
	Priority      int
	ParentJobID   *string
	Dependencies  []string
	ExecutionMode ExecutionMode
	Payload       JobPayload
	Status        JobStatus
	Error         string
	RetryCount    int
	MaxRetries    int
	Timeout       time.Duration
	ScheduledFor  *time.Time
	CronExpr      string
	WorkerID      *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Band returns the priority band the job enqueues into.
func (j Job) Band() Band { return BandFor(j.Priority) }

// JobSubmission is the caller-facing shape accepted by Submit.
type JobSubmission struct {
	Name          string
	Type          JobType
	Priority      *int
	ParentJobID   *string
	Dependencies  []string
	ExecutionMode ExecutionMode
	Payload       JobPayload
	MaxRetries    *int
	Timeout       *time.Duration
	ScheduledFor  *time.Time
	CronExpr      string
}

// JobResult records the terminal outcome of a job. One per terminal job;
// never mutated after creation.
type JobResult struct {
	JobID        string
	Success      bool
	Output       string
	Error        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	CreatedAt    time.Time
}

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a logical execution slot bound to a Generator.
type Worker struct {
	ID                  string
	Name                string
	Type                string
	Status              WorkerStatus
	CurrentJobID        *string
	ActiveJobs          int
	MaxConcurrency      int
	LastHeartbeat       time.Time
	TotalJobsProcessed  int
	TotalTokensUsed     int
	ConsecutiveFailures int
	CreatedAt           time.Time
}

// ToolCall is one structured request from an LLM reply. Transient; its
// persisted trace is a ToolTask.
type ToolCall struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
	Priority   *int           `json:"priority,omitempty"`
}

// ToolTaskStatus is the state machine of one persisted tool task:
// running -> (completed | failed), no re-entry.
type ToolTaskStatus string

const (
	TaskRunning   ToolTaskStatus = "running"
	TaskCompleted ToolTaskStatus = "completed"
	TaskFailed    ToolTaskStatus = "failed"
)

// ToolTask is the durable trace of one tool call.
type ToolTask struct {
	ID         string
	MessageID  string
	TaskType   string
	Payload    map[string]any
	Status     ToolTaskStatus
	Result     string
	Error      string
	ExecutedAt *time.Time
	CreatedAt  time.Time
}

// ExecutionLog is an append-only audit record.
type ExecutionLog struct {
	ID        string
	TaskID    *string
	Action    string
	Input     string
	Output    string
	ExitCode  *int
	Duration  time.Duration
	CreatedAt time.Time
}

// GenerateRequest is the input to a Generator round-trip.
type GenerateRequest struct {
	SystemPrompt string
	Prompt       string
}

// GenerateResponse carries the model text and token accounting.
type GenerateResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator is the opaque LLM capability workers drive.
type Generator interface {
	Generate(ctx Context, req GenerateRequest) (GenerateResponse, error)
}

// Retriever builds retrieval-augmented context. Ingest is best-effort;
// Query returns a possibly empty text blob.
type Retriever interface {
	Ingest(ctx Context, path, text string) error
	Query(ctx Context, query string) (string, error)
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	// ClaimNext atomically flips the oldest queued job in the band to
	// running, binding workerID and startedAt. Returns ErrNotFound when the
	// band is empty.
	ClaimNext(ctx Context, band Band, workerID string) (Job, error)
	// MarkQueued transitions pending -> queued; conditional on current status.
	MarkQueued(ctx Context, id string) error
	// Requeue returns a job to pending with an incremented retry count.
	Requeue(ctx Context, id string, retryCount int) error
	SetWorker(ctx Context, id string, workerID *string) error
	// UpdatePayload rewrites a job's payload (used by resume to merge
	// operator input into the context).
	UpdatePayload(ctx Context, id string, payload JobPayload) error
	ListByStatus(ctx Context, status JobStatus, limit int) ([]Job, error)
	ListByWorker(ctx Context, workerID string, status JobStatus) ([]Job, error)
	ListChildren(ctx Context, parentID string) ([]Job, error)
	// ListDependents returns jobs whose dependencies contain id.
	ListDependents(ctx Context, id string) ([]Job, error)
	CountByStatus(ctx Context) (map[JobStatus]int, error)
	// CountCompletedSince counts jobs that reached completed at or after t.
	CountCompletedSince(ctx Context, t time.Time) (int, error)
	// Delete removes a job together with its result and tool tasks.
	Delete(ctx Context, id string) error
}

type ResultRepository interface {
	Create(ctx Context, r JobResult) error
	GetByJobID(ctx Context, jobID string) (JobResult, error)
}

type WorkerRepository interface {
	Create(ctx Context, w Worker) (string, error)
	Get(ctx Context, id string) (Worker, error)
	Update(ctx Context, w Worker) error
	Heartbeat(ctx Context, id string, at time.Time) error
	List(ctx Context) ([]Worker, error)
	Delete(ctx Context, id string) error
}

type ToolTaskRepository interface {
	Create(ctx Context, t ToolTask) (string, error)
	Finish(ctx Context, id string, status ToolTaskStatus, result, errMsg string) error
	Get(ctx Context, id string) (ToolTask, error)
}

type ExecutionLogRepository interface {
	Append(ctx Context, e ExecutionLog) error
	ListByTask(ctx Context, taskID string) ([]ExecutionLog, error)
}

// Context aliases context.Context so adapters pass it straight through.
type Context = context.Context
