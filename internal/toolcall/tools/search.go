package tools

import (
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const searchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"maxResults": {"type": "integer", "minimum": 1, "maximum": 50}
	},
	"required": ["query"],
	"additionalProperties": true
}`

const scrapeSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1, "pattern": "^https?://"}
	},
	"required": ["url"],
	"additionalProperties": true
}`

// searchTools maps each search-family tool name to the backend the provider
// should address. "search" is the provider's own default.
var searchTools = map[string]string{
	"search":            "default",
	"web_search":        "web",
	"google_search":     "google",
	"duckduckgo_search": "duckduckgo",
	"tavily_search":     "tavily",
	"tavily_extract":    "tavily",
	"perplexity_search": "perplexity",
	"perplexity_ask":    "perplexity",
}

func registerSearch(reg *toolcall.Registry, deps Deps) {
	for name, backend := range searchTools {
		backend := backend
		name := name
		reg.MustRegister(name, searchSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
			if deps.Search == nil {
				return nil, errNotConfigured(name)
			}
			return deps.Search.Search(ctx, backend, stringParam(call.Parameters, "query"), call.Parameters)
		})
	}
	reg.MustRegister("browser_scrape", scrapeSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		if deps.Search == nil {
			return nil, errNotConfigured("browser_scrape")
		}
		return deps.Search.Search(ctx, "scrape", stringParam(call.Parameters, "url"), call.Parameters)
	})
}
