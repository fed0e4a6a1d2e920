// Package tools provides the leaf tool handlers registered into the
// tool-call registry: chat, files, shell, HTTP, messaging, search, provider
// adapters, and the queue meta-tools.
package tools

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

// AgentLink is the client-router capability the file and terminal tools
// delegate to for client: paths.
type AgentLink interface {
	Connected() bool
	ReadFile(ctx domain.Context, path string) (string, error)
	WriteFile(ctx domain.Context, path, content string) error
	ListFiles(ctx domain.Context, dir string) ([]string, error)
	ExecuteTerminal(ctx domain.Context, command, cwd string, timeout time.Duration) (string, error)
	OpenInEditor(ctx domain.Context, path, content string) error
	Screenshot(ctx domain.Context) (string, error)
}

// EditorHost holds in-browser editor buffers addressed by editor: paths.
type EditorHost interface {
	Put(name, content string)
	Get(name string) (string, bool)
}

// MemoryEditor is the in-process EditorHost.
type MemoryEditor struct {
	mu      sync.RWMutex
	buffers map[string]string
}

// NewMemoryEditor constructs an empty buffer set.
func NewMemoryEditor() *MemoryEditor {
	return &MemoryEditor{buffers: map[string]string{}}
}

func (e *MemoryEditor) Put(name, content string) {
	e.mu.Lock()
	e.buffers[name] = content
	e.mu.Unlock()
}

func (e *MemoryEditor) Get(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.buffers[name]
	return c, ok
}

// SearchProvider answers one search-family query against a named backend.
type SearchProvider interface {
	Search(ctx domain.Context, provider, query string, params map[string]any) (any, error)
}

// MessagingProvider sends and lists SMS and voice calls.
type MessagingProvider interface {
	SendSMS(ctx domain.Context, to, body string) (any, error)
	ListSMS(ctx domain.Context, limit int) (any, error)
	MakeCall(ctx domain.Context, to string) (any, error)
	ListCalls(ctx domain.Context, limit int) (any, error)
}

// ProviderInvoker is the generic port for provider tool families (Google
// Workspace, code hosting, browser automation) where the dispatcher owns
// only routing and validation.
type ProviderInvoker interface {
	Invoke(ctx domain.Context, tool, operation string, params map[string]any) (any, error)
}

// QueueAPI lets the LLM enqueue further jobs into the scheduler.
type QueueAPI interface {
	Submit(ctx domain.Context, sub domain.JobSubmission) (domain.Job, error)
	SubmitBatch(ctx domain.Context, subs []domain.JobSubmission) ([]domain.Job, error)
	Enqueue(ctx domain.Context, jobID string) error
}

// PromptLog exposes the last Generator exchange for debug_echo.
type PromptLog interface {
	Last() (systemPrompt, prompt, reply string)
}

// Deps carries every capability the tool handlers reach for. Nil optional
// fields degrade the affected tools to a descriptive "not configured" error.
type Deps struct {
	WorkspaceDir    string
	TerminalTimeout time.Duration
	CommandTimeout  time.Duration

	Jobs      domain.JobRepository
	Queue     QueueAPI
	Retriever domain.Retriever
	Agent     AgentLink
	Editor    EditorHost
	Search    SearchProvider
	Messaging MessagingProvider
	Workspace ProviderInvoker
	CodeHost  ProviderInvoker
	Browser   ProviderInvoker
	PromptLog PromptLog
}

// RegisterAll installs the full tool catalog into reg.
func RegisterAll(reg *toolcall.Registry, deps Deps) {
	if deps.TerminalTimeout <= 0 {
		deps.TerminalTimeout = 30 * time.Second
	}
	if deps.Editor == nil {
		deps.Editor = NewMemoryEditor()
	}
	registerChat(reg)
	registerFiles(reg, deps)
	registerTerminal(reg, deps)
	registerHTTP(reg)
	registerMessaging(reg, deps)
	registerSearch(reg, deps)
	registerProviders(reg, deps)
	registerQueueMeta(reg, deps)
	registerDebug(reg, deps)
}

func errNotConfigured(tool string) error {
	return fmt.Errorf("op=tools.%s: no provider configured: %w", tool, domain.ErrInternal)
}

func errNoAgent(tool string) error {
	return fmt.Errorf("op=tools.%s: no desktop agent connected: %w", tool, domain.ErrAgentUnavailable)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
