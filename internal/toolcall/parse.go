package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// ParseErrorChat is the chatContent surfaced when a structured reply does
// not parse.
const ParseErrorChat = "Failed to parse structured response"

type envelope struct {
	ToolCalls []domain.ToolCall `json:"toolCalls"`
}

// ParseReply extracts the tool calls from one LLM reply. The reply may wrap
// the JSON object in a triple-backtick fence (with or without a "json" info
// string); anything outside the object fails the parse.
func ParseReply(reply string) ([]domain.ToolCall, error) {
	body := stripFence(reply)
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("op=toolcall.parse: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return env.ToolCalls, nil
}

// LooksStructured reports whether a reply is worth handing to Dispatch: a
// JSON object carrying a toolCalls key, optionally fenced.
func LooksStructured(reply string) bool {
	body := stripFence(reply)
	return strings.HasPrefix(body, "{") && strings.Contains(body, `"toolCalls"`)
}

func stripFence(reply string) string {
	body := strings.TrimSpace(reply)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimPrefix(body, "json")
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}
