// Package stub provides a deterministic Generator for dev mode and tests.
package stub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Client is a canned Generator. With no script it echoes the prompt; a
// script maps prompt substrings to fixed replies.
type Client struct {
	mu         sync.Mutex
	script     map[string]string
	lastSystem string
	lastPrompt string
	lastReply  string
}

// New constructs a stub with an optional substring -> reply script.
func New(script map[string]string) *Client {
	return &Client{script: script}
}

// Generate returns the scripted reply whose key is contained in the prompt,
// or an echo when nothing matches.
func (c *Client) Generate(_ domain.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	reply := fmt.Sprintf("stub reply: %s", req.Prompt)
	c.mu.Lock()
	for key, scripted := range c.script {
		if key != "" && strings.Contains(req.Prompt, key) {
			reply = scripted
			break
		}
	}
	c.lastSystem, c.lastPrompt, c.lastReply = req.SystemPrompt, req.Prompt, reply
	c.mu.Unlock()
	return domain.GenerateResponse{
		Text:         reply,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(reply) / 4,
	}, nil
}

// Last returns the most recent exchange, for debug_echo.
func (c *Client) Last() (systemPrompt, prompt, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSystem, c.lastPrompt, c.lastReply
}
