package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const terminalSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"cwd": {"type": "string"},
		"timeout": {"type": "integer", "minimum": 1}
	},
	"required": ["command"],
	"additionalProperties": true
}`

// terminalLogName is the append-only command transcript kept at the
// workspace root.
const terminalLogName = ".terminal.log"

func registerTerminal(reg *toolcall.Registry, deps Deps) {
	reg.MustRegister("terminal_execute", terminalSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return terminalExecute(ctx, deps, call.Parameters)
	})
}

// terminalExecute runs a shell command. The command string is prefix-routed:
// client: delegates to the desktop agent, anything else runs sandboxed under
// the workspace root.
func terminalExecute(ctx domain.Context, deps Deps, params map[string]any) (any, error) {
	route, err := toolcall.ParsePath(stringParam(params, "command"))
	if err != nil {
		return nil, err
	}
	timeout := deps.TerminalTimeout
	if t := intParam(params, "timeout", 0); t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	cwd := stringParam(params, "cwd")

	if route.Target == toolcall.TargetClient {
		if deps.Agent == nil || !deps.Agent.Connected() {
			return nil, errNoAgent("terminal_execute")
		}
		out, err := deps.Agent.ExecuteTerminal(ctx, route.Path, cwd, timeout)
		if err != nil {
			return nil, fmt.Errorf("op=tools.terminal: %w", err)
		}
		return map[string]any{"output": out, "exitCode": 0}, nil
	}
	if route.Target == toolcall.TargetEditor {
		return nil, fmt.Errorf("op=tools.terminal: editor target: %w", domain.ErrInvalidArgument)
	}

	dir := deps.WorkspaceDir
	if cwd != "" {
		dir = filepath.Join(dir, filepath.FromSlash(toolcall.SanitizeServerPath(cwd)))
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "sh", "-c", route.Path)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	appendTerminalLog(deps, route.Path, buf.String(), exitCode)

	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("op=tools.terminal: command timed out after %s: %w", timeout, domain.ErrUpstreamTimeout)
	}
	if runErr != nil {
		return nil, fmt.Errorf("op=tools.terminal: exit %d: %s", exitCode, truncate(buf.String(), 512))
	}
	return map[string]any{"output": buf.String(), "exitCode": exitCode}, nil
}

func appendTerminalLog(deps Deps, command, output string, exitCode int) {
	f, err := os.OpenFile(filepath.Join(deps.WorkspaceDir, terminalLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Default().Warn("terminal log open failed", slog.Any("error", err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] $ %s (exit %d)\n%s\n", time.Now().UTC().Format(time.RFC3339), command, exitCode, output)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
