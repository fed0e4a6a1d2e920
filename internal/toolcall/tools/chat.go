package tools

import (
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const sendChatSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["content"],
	"additionalProperties": true
}`

// registerChat installs send_chat, the only mechanism that surfaces model
// text to the user. The dispatcher aggregates successful contents into
// chatContent; the handler itself just echoes.
func registerChat(reg *toolcall.Registry) {
	reg.MustRegister("send_chat", sendChatSchema, func(_ domain.Context, call domain.ToolCall) (any, error) {
		return map[string]any{"content": call.Parameters["content"]}, nil
	})
}
