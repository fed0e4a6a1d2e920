package tools

import (
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

func registerDebug(reg *toolcall.Registry, deps Deps) {
	reg.MustRegister("debug_echo", "", func(_ domain.Context, _ domain.ToolCall) (any, error) {
		if deps.PromptLog == nil {
			return nil, errNotConfigured("debug_echo")
		}
		system, prompt, reply := deps.PromptLog.Last()
		return map[string]any{
			"systemPrompt": system,
			"prompt":       prompt,
			"reply":        reply,
		}, nil
	})
}
