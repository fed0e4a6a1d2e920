package agentlink

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Typed convenience wrappers over SendCommand. Each targets the single
// connected agent; multi-agent callers use SendCommand directly.

// ReadFile returns the content of a file on the agent's machine.
func (r *Router) ReadFile(ctx domain.Context, path string) (string, error) {
	res, err := r.SendCommand(ctx, "read_file", map[string]any{"path": path}, "")
	if err != nil {
		return "", err
	}
	return stringResult(res, "content")
}

// WriteFile writes content to a file on the agent's machine.
func (r *Router) WriteFile(ctx domain.Context, path, content string) error {
	_, err := r.SendCommand(ctx, "write_file", map[string]any{"path": path, "content": content}, "")
	return err
}

// ListFiles lists a directory on the agent's machine.
func (r *Router) ListFiles(ctx domain.Context, dir string) ([]string, error) {
	res, err := r.SendCommand(ctx, "list_files", map[string]any{"path": dir}, "")
	if err != nil {
		return nil, err
	}
	obj, ok := res.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("op=agentlink.list_files: unexpected result shape: %w", domain.ErrInternal)
	}
	raw, _ := obj["files"].([]any)
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		if s, ok := f.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ExecuteTerminal runs a shell command on the agent's machine.
func (r *Router) ExecuteTerminal(ctx domain.Context, command, cwd string, timeout time.Duration) (string, error) {
	payload := map[string]any{"command": command}
	if cwd != "" {
		payload["cwd"] = cwd
	}
	if timeout > 0 {
		payload["timeoutSeconds"] = int(timeout / time.Second)
	}
	res, err := r.SendCommand(ctx, "terminal_execute", payload, "")
	if err != nil {
		return "", err
	}
	return stringResult(res, "output")
}

// OpenInEditor asks the agent to open content in its local editor.
func (r *Router) OpenInEditor(ctx domain.Context, path, content string) error {
	_, err := r.SendCommand(ctx, "open_in_editor", map[string]any{"path": path, "content": content}, "")
	return err
}

// Screenshot captures the agent's screen, returned base64-encoded.
func (r *Router) Screenshot(ctx domain.Context) (string, error) {
	res, err := r.SendCommand(ctx, "screenshot", nil, "")
	if err != nil {
		return "", err
	}
	return stringResult(res, "image")
}

func stringResult(res any, key string) (string, error) {
	switch v := res.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v[key].(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("op=agentlink: result missing %q: %w", key, domain.ErrInternal)
}
