package tools

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const fileGetSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"encoding": {"type": "string", "enum": ["utf-8", "base64"]}
	},
	"required": ["path"],
	"additionalProperties": true
}`

const filePutSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"mimeType": {"type": "string"},
		"permissions": {"type": "string"},
		"summary": {"type": "string"}
	},
	"required": ["path", "content"],
	"additionalProperties": true
}`

const fileIngestSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1}
	},
	"required": ["path"],
	"additionalProperties": true
}`

const editorLoadSchema = fileIngestSchema

// FileResult is the result value of file_put; the dispatcher derives
// filesCreated / filesModified from it.
type FileResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Bytes   int    `json:"bytes"`
}

// FilePath implements the dispatcher's file outcome contract.
func (r FileResult) FilePath() (string, bool) { return r.Path, r.Created }

func registerFiles(reg *toolcall.Registry, deps Deps) {
	reg.MustRegister("file_get", fileGetSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return fileGet(ctx, deps, call.Parameters)
	})
	reg.MustRegister("file_put", filePutSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return filePut(ctx, deps, call.Parameters)
	})
	reg.MustRegister("file_ingest", fileIngestSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return fileIngest(ctx, deps, call.Parameters)
	})
	reg.MustRegister("editor_load", editorLoadSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return editorLoad(ctx, deps, call.Parameters)
	})
}

func fileGet(ctx domain.Context, deps Deps, params map[string]any) (any, error) {
	route, err := toolcall.ParsePath(stringParam(params, "path"))
	if err != nil {
		return nil, err
	}
	var content string
	switch route.Target {
	case toolcall.TargetServer:
		raw, err := os.ReadFile(serverPath(deps, route.Path))
		if err != nil {
			return nil, fmt.Errorf("op=tools.file_get: %w", err)
		}
		content = string(raw)
	case toolcall.TargetClient:
		if deps.Agent == nil || !deps.Agent.Connected() {
			return nil, errNoAgent("file_get")
		}
		content, err = deps.Agent.ReadFile(ctx, route.Path)
		if err != nil {
			return nil, fmt.Errorf("op=tools.file_get: %w", err)
		}
	case toolcall.TargetEditor:
		content, err = editorContent(ctx, deps, route)
		if err != nil {
			return nil, err
		}
	}
	if stringParam(params, "encoding") == "base64" {
		content = base64.StdEncoding.EncodeToString([]byte(content))
	}
	return map[string]any{"path": route.Path, "content": content}, nil
}

// editorContent resolves an editor route to text: a plain buffer reference
// reads the buffer, editor:server:X / editor:client:X pull the file from its
// source and load it into the buffer as a side effect.
func editorContent(ctx domain.Context, deps Deps, route toolcall.Route) (string, error) {
	switch route.Source {
	case toolcall.TargetEditor:
		content, ok := deps.Editor.Get(route.Path)
		if !ok {
			return "", fmt.Errorf("op=tools.editor: buffer %q: %w", route.Path, domain.ErrNotFound)
		}
		return content, nil
	case toolcall.TargetServer:
		raw, err := os.ReadFile(serverPath(deps, route.Path))
		if err != nil {
			return "", fmt.Errorf("op=tools.editor: %w", err)
		}
		deps.Editor.Put(route.Path, string(raw))
		return string(raw), nil
	case toolcall.TargetClient:
		if deps.Agent == nil || !deps.Agent.Connected() {
			return "", errNoAgent("editor")
		}
		content, err := deps.Agent.ReadFile(ctx, route.Path)
		if err != nil {
			return "", fmt.Errorf("op=tools.editor: %w", err)
		}
		deps.Editor.Put(route.Path, content)
		return content, nil
	}
	return "", fmt.Errorf("op=tools.editor: %w", domain.ErrInvalidArgument)
}

func filePut(ctx domain.Context, deps Deps, params map[string]any) (any, error) {
	route, err := toolcall.ParsePath(stringParam(params, "path"))
	if err != nil {
		return nil, err
	}
	content := stringParam(params, "content")
	switch route.Target {
	case toolcall.TargetClient:
		if deps.Agent == nil || !deps.Agent.Connected() {
			return nil, errNoAgent("file_put")
		}
		if err := deps.Agent.WriteFile(ctx, route.Path, content); err != nil {
			return nil, fmt.Errorf("op=tools.file_put: %w", err)
		}
		return FileResult{Path: route.Path, Created: true, Bytes: len(content)}, nil
	case toolcall.TargetEditor:
		deps.Editor.Put(route.Path, content)
		ingestText(ctx, deps, route.Path, content, stringParam(params, "mimeType"))
		return FileResult{Path: route.Path, Created: true, Bytes: len(content)}, nil
	}

	full := serverPath(deps, route.Path)
	_, statErr := os.Stat(full)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("op=tools.file_put: %w", err)
	}
	perm := os.FileMode(0o644)
	if p := stringParam(params, "permissions"); p != "" {
		if mode, err := strconv.ParseUint(p, 8, 32); err == nil {
			perm = os.FileMode(mode)
		}
	}
	if err := os.WriteFile(full, []byte(content), perm); err != nil {
		return nil, fmt.Errorf("op=tools.file_put: %w", err)
	}
	ingestText(ctx, deps, route.Path, content, stringParam(params, "mimeType"))
	return FileResult{Path: route.Path, Created: created, Bytes: len(content)}, nil
}

// ingestText feeds text content into the retrieval index. Best-effort: a
// failed ingest is logged, never surfaced as a tool failure.
func ingestText(ctx domain.Context, deps Deps, path, content, declaredMIME string) {
	if deps.Retriever == nil {
		return
	}
	mime := declaredMIME
	if mime == "" {
		mime = mimetype.Detect([]byte(content)).String()
	}
	if !strings.HasPrefix(mime, "text/") && !strings.Contains(mime, "json") {
		return
	}
	if err := deps.Retriever.Ingest(ctx, path, content); err != nil {
		slog.Default().Warn("retrieval ingest failed",
			slog.String("path", path), slog.Any("error", err))
	}
}

func fileIngest(ctx domain.Context, deps Deps, params map[string]any) (any, error) {
	route, err := toolcall.ParsePath(stringParam(params, "path"))
	if err != nil {
		return nil, err
	}
	if deps.Retriever == nil {
		return nil, errNotConfigured("file_ingest")
	}
	var content string
	switch route.Target {
	case toolcall.TargetServer:
		raw, err := os.ReadFile(serverPath(deps, route.Path))
		if err != nil {
			return nil, fmt.Errorf("op=tools.file_ingest: %w", err)
		}
		content = string(raw)
	case toolcall.TargetClient:
		if deps.Agent == nil || !deps.Agent.Connected() {
			return nil, errNoAgent("file_ingest")
		}
		content, err = deps.Agent.ReadFile(ctx, route.Path)
		if err != nil {
			return nil, fmt.Errorf("op=tools.file_ingest: %w", err)
		}
	case toolcall.TargetEditor:
		content, err = editorContent(ctx, deps, route)
		if err != nil {
			return nil, err
		}
	}
	if err := deps.Retriever.Ingest(ctx, route.Path, content); err != nil {
		return nil, fmt.Errorf("op=tools.file_ingest: %w", err)
	}
	return map[string]any{"path": route.Path, "ingested": true}, nil
}

func editorLoad(ctx domain.Context, deps Deps, params map[string]any) (any, error) {
	path := stringParam(params, "path")
	route, err := toolcall.ParsePath(path)
	if err != nil {
		return nil, err
	}
	// editor_load targets the editor regardless of how the path was spelled;
	// a bare or server:/client: path names the source file.
	if route.Target != toolcall.TargetEditor {
		route = toolcall.Route{Target: toolcall.TargetEditor, Source: route.Target, Path: route.Path}
	}
	content, err := editorContent(ctx, deps, route)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": route.Path, "bytes": len(content)}, nil
}

func serverPath(deps Deps, p string) string {
	return filepath.Join(deps.WorkspaceDir, filepath.FromSlash(toolcall.SanitizeServerPath(p)))
}
