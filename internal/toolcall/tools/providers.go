package tools

import (
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

// providerSchema is the loose contract shared by provider families: the
// dispatcher owns routing and validation of the envelope, the leaf adapter
// owns per-operation semantics.
const providerSchema = `{
	"type": "object",
	"additionalProperties": true
}`

var workspaceTools = []string{
	"gmail_send", "gmail_list", "gmail_get",
	"drive_list", "drive_get", "drive_upload",
	"docs_create", "docs_get", "docs_append",
	"sheets_get", "sheets_append",
	"calendar_list", "calendar_create",
	"tasks_list", "tasks_create",
	"contacts_list", "contacts_search",
}

var codeHostTools = []string{
	"github_repos", "github_contents", "github_file_read", "github_code_search",
	"github_issues", "github_pulls", "github_commits", "github_user",
}

var browserTools = []string{
	"browserbase_load", "browserbase_screenshot", "browserbase_action",
}

func registerProviders(reg *toolcall.Registry, deps Deps) {
	registerFamily(reg, workspaceTools, deps.Workspace)
	registerFamily(reg, codeHostTools, deps.CodeHost)
	registerFamily(reg, browserTools, deps.Browser)
}

func registerFamily(reg *toolcall.Registry, names []string, invoker ProviderInvoker) {
	for _, name := range names {
		name := name
		reg.MustRegister(name, providerSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
			if invoker == nil {
				return nil, errNotConfigured(name)
			}
			return invoker.Invoke(ctx, name, call.Operation, call.Parameters)
		})
	}
}
