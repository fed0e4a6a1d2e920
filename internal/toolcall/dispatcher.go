// Package toolcall parses structured LLM replies into typed tool
// invocations, validates them against per-tool schemas, executes them in
// order, and aggregates the user-visible chat payload.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/observability"
)

// ToolResult is the per-call entry in a DispatchResult.
type ToolResult struct {
	ToolID   string        `json:"toolId"`
	Type     string        `json:"type"`
	Success  bool          `json:"success"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DispatchResult aggregates one reply's worth of tool execution.
type DispatchResult struct {
	ChatContent   string        `json:"chatContent"`
	ToolResults   []ToolResult  `json:"toolResults"`
	FilesCreated  []string      `json:"filesCreated,omitempty"`
	FilesModified []string      `json:"filesModified,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
	ExecutionTime time.Duration `json:"executionTime"`
	Success       bool          `json:"success"`
}

// fileOutcome is what file_put handlers return so the dispatcher can derive
// filesCreated / filesModified.
type fileOutcome interface {
	FilePath() (path string, created bool)
}

// Dispatcher executes the tool calls of one LLM reply sequentially,
// persisting a ToolTask per call and execution logs for audit-relevant
// actions.
type Dispatcher struct {
	reg   *Registry
	tasks domain.ToolTaskRepository
	logs  domain.ExecutionLogRepository
}

// NewDispatcher constructs a Dispatcher. tasks and logs may be nil, in which
// case calls execute without a durable trace.
func NewDispatcher(reg *Registry, tasks domain.ToolTaskRepository, logs domain.ExecutionLogRepository) *Dispatcher {
	return &Dispatcher{reg: reg, tasks: tasks, logs: logs}
}

// Dispatch parses reply and executes its calls in array order. A parse
// failure yields success=false with the fixed parse-error chat content; an
// empty toolCalls array is a successful no-op. Individual call failures are
// recorded and do not abort subsequent calls.
func (d *Dispatcher) Dispatch(ctx domain.Context, messageID, reply string) DispatchResult {
	started := time.Now()
	calls, err := ParseReply(reply)
	if err != nil {
		return DispatchResult{
			ChatContent:   ParseErrorChat,
			Errors:        []string{err.Error()},
			ExecutionTime: time.Since(started),
			Success:       false,
		}
	}

	res := DispatchResult{Success: true}
	var chat []string
	for _, call := range calls {
		tr := d.executeCall(ctx, messageID, call)
		res.ToolResults = append(res.ToolResults, tr)
		if !tr.Success {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", tr.ToolID, tr.Error))
			continue
		}
		switch call.Type {
		case "send_chat":
			if content, ok := call.Parameters["content"].(string); ok {
				chat = append(chat, content)
			}
		case "file_put":
			if out, ok := tr.Result.(fileOutcome); ok {
				path, created := out.FilePath()
				if created {
					res.FilesCreated = append(res.FilesCreated, path)
				} else {
					res.FilesModified = append(res.FilesModified, path)
				}
			}
		}
	}
	res.ChatContent = strings.Join(chat, "\n\n")
	res.ExecutionTime = time.Since(started)
	return res
}

func (d *Dispatcher) executeCall(ctx domain.Context, messageID string, call domain.ToolCall) ToolResult {
	started := time.Now()
	tr := ToolResult{ToolID: call.ID, Type: call.Type}

	taskID := d.openTask(ctx, messageID, call)

	tool, ok := d.reg.Lookup(call.Type)
	if !ok {
		tr.Error = fmt.Sprintf("unknown tool %q", call.Type)
		tr.Duration = time.Since(started)
		d.closeTask(ctx, taskID, call, tr)
		return tr
	}
	if err := tool.Validate(call.Parameters); err != nil {
		tr.Error = err.Error()
		tr.Duration = time.Since(started)
		d.closeTask(ctx, taskID, call, tr)
		return tr
	}

	result, err := tool.Execute(ctx, call)
	tr.Duration = time.Since(started)
	if err != nil {
		tr.Error = err.Error()
	} else {
		tr.Success = true
		tr.Result = result
	}
	d.closeTask(ctx, taskID, call, tr)

	outcome := "ok"
	if !tr.Success {
		outcome = "error"
	}
	observability.ToolCallsTotal.WithLabelValues(call.Type, outcome).Inc()
	observability.ToolCallDuration.WithLabelValues(call.Type).Observe(tr.Duration.Seconds())
	return tr
}

func (d *Dispatcher) openTask(ctx domain.Context, messageID string, call domain.ToolCall) string {
	if d.tasks == nil {
		return ""
	}
	id, err := d.tasks.Create(ctx, domain.ToolTask{
		MessageID: messageID,
		TaskType:  call.Type,
		Payload:   call.Parameters,
		Status:    domain.TaskRunning,
	})
	if err != nil {
		slog.Default().Warn("tool task create failed",
			slog.String("tool", call.Type), slog.Any("error", err))
		return ""
	}
	return id
}

func (d *Dispatcher) closeTask(ctx domain.Context, taskID string, call domain.ToolCall, tr ToolResult) {
	if d.tasks == nil || taskID == "" {
		return
	}
	status := domain.TaskCompleted
	var resultStr string
	if tr.Success {
		if raw, err := json.Marshal(tr.Result); err == nil {
			resultStr = string(raw)
		}
	} else {
		status = domain.TaskFailed
	}
	if err := d.tasks.Finish(ctx, taskID, status, resultStr, tr.Error); err != nil {
		slog.Default().Warn("tool task finish failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
	if d.logs == nil {
		return
	}
	input, _ := json.Marshal(call.Parameters)
	if err := d.logs.Append(ctx, domain.ExecutionLog{
		TaskID:   &taskID,
		Action:   call.Type + ":" + call.Operation,
		Input:    string(input),
		Output:   resultStr,
		Duration: tr.Duration,
	}); err != nil {
		slog.Default().Warn("execution log append failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// ProcessReply adapts Dispatch for the worker execution path: structured
// replies are dispatched and their chat content becomes the job output;
// plain-text replies pass through untouched. A dispatch with failed calls
// fails the enclosing job after all calls have run.
func (d *Dispatcher) ProcessReply(ctx domain.Context, jobID, reply string) (string, bool, error) {
	if !LooksStructured(reply) {
		return "", false, nil
	}
	res := d.Dispatch(ctx, jobID, reply)
	output := res.ChatContent
	if output == "" {
		if raw, err := json.Marshal(res); err == nil {
			output = string(raw)
		}
	}
	if !res.Success {
		return output, true, errors.New(strings.Join(res.Errors, "; "))
	}
	return output, true, nil
}
