package tools

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const queueCreateSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"type": {"type": "string", "enum": ["prompt", "tool", "composite", "workflow"]},
		"prompt": {"type": "string"},
		"toolName": {"type": "string"},
		"priority": {"type": "integer", "minimum": 0, "maximum": 10},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"timeoutSeconds": {"type": "integer", "minimum": 1}
	},
	"required": ["type"],
	"additionalProperties": true
}`

const queueBatchSchema = `{
	"type": "object",
	"properties": {
		"jobs": {"type": "array", "minItems": 1}
	},
	"required": ["jobs"],
	"additionalProperties": true
}`

const queueListSchema = `{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["pending", "queued", "running", "completed", "failed", "cancelled"]},
		"limit": {"type": "integer", "minimum": 1, "maximum": 200}
	},
	"additionalProperties": true
}`

const queueStartSchema = `{
	"type": "object",
	"properties": {
		"jobId": {"type": "string", "minLength": 1}
	},
	"required": ["jobId"],
	"additionalProperties": true
}`

// registerQueueMeta installs the tools that let the model feed work back
// into the scheduler it is running under.
func registerQueueMeta(reg *toolcall.Registry, deps Deps) {
	reg.MustRegister("queue_create", queueCreateSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Queue == nil {
			return nil, errNotConfigured("queue_create")
		}
		sub, err := submissionFromParams(call.Parameters)
		if err != nil {
			return nil, err
		}
		j, err := deps.Queue.Submit(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("op=tools.queue_create: %w", err)
		}
		return map[string]any{"jobId": j.ID, "status": string(j.Status)}, nil
	})

	reg.MustRegister("queue_batch", queueBatchSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Queue == nil {
			return nil, errNotConfigured("queue_batch")
		}
		raw, _ := call.Parameters["jobs"].([]any)
		subs := make([]domain.JobSubmission, 0, len(raw))
		for i, item := range raw {
			params, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("op=tools.queue_batch: job %d is not an object: %w", i, domain.ErrInvalidArgument)
			}
			sub, err := submissionFromParams(params)
			if err != nil {
				return nil, fmt.Errorf("op=tools.queue_batch: job %d: %w", i, err)
			}
			subs = append(subs, sub)
		}
		jobs, err := deps.Queue.SubmitBatch(ctx, subs)
		if err != nil {
			return nil, fmt.Errorf("op=tools.queue_batch: %w", err)
		}
		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		return map[string]any{"jobIds": ids}, nil
	})

	reg.MustRegister("queue_list", queueListSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Jobs == nil {
			return nil, errNotConfigured("queue_list")
		}
		status := domain.JobStatus(stringParam(call.Parameters, "status"))
		if status == "" {
			status = domain.JobQueued
		}
		jobs, err := deps.Jobs.ListByStatus(ctx, status, intParam(call.Parameters, "limit", 50))
		if err != nil {
			return nil, fmt.Errorf("op=tools.queue_list: %w", err)
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, map[string]any{
				"jobId":    j.ID,
				"name":     j.Name,
				"type":     string(j.Type),
				"status":   string(j.Status),
				"priority": j.Priority,
			})
		}
		return map[string]any{"jobs": out}, nil
	})

	reg.MustRegister("queue_start", queueStartSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Queue == nil {
			return nil, errNotConfigured("queue_start")
		}
		id := stringParam(call.Parameters, "jobId")
		if err := deps.Queue.Enqueue(ctx, id); err != nil {
			return nil, fmt.Errorf("op=tools.queue_start: %w", err)
		}
		return map[string]any{"jobId": id, "status": string(domain.JobQueued)}, nil
	})
}

func submissionFromParams(params map[string]any) (domain.JobSubmission, error) {
	sub := domain.JobSubmission{
		Name: stringParam(params, "name"),
		Type: domain.JobType(stringParam(params, "type")),
		Payload: domain.JobPayload{
			Prompt:   stringParam(params, "prompt"),
			ToolName: stringParam(params, "toolName"),
		},
	}
	if args, ok := params["toolArgs"].(map[string]any); ok {
		sub.Payload.ToolArgs = args
	}
	if sys := stringParam(params, "systemPrompt"); sys != "" {
		sub.Payload.SystemPrompt = sys
	}
	if p, ok := params["priority"].(float64); ok {
		prio := int(p)
		sub.Priority = &prio
	}
	if deps, ok := params["dependencies"].([]any); ok {
		for _, d := range deps {
			s, ok := d.(string)
			if !ok {
				return domain.JobSubmission{}, fmt.Errorf("dependency must be a string: %w", domain.ErrInvalidArgument)
			}
			sub.Dependencies = append(sub.Dependencies, s)
		}
	}
	if t := intParam(params, "timeoutSeconds", 0); t > 0 {
		d := time.Duration(t) * time.Second
		sub.Timeout = &d
	}
	return sub, nil
}
