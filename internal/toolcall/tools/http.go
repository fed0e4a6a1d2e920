package tools

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
)

const apiCallSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1, "pattern": "^https?://"},
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {"type": "string"}
	},
	"required": ["url", "method"],
	"additionalProperties": true
}`

const apiCallBodyLimit = 1 << 20 // 1 MiB of response body

var apiClient = &http.Client{Timeout: 30 * time.Second}

func registerHTTP(reg *toolcall.Registry) {
	reg.MustRegister("api_call", apiCallSchema, func(ctx domain.Context, call domain.ToolCall) (any, error) {
		return apiCall(ctx, call.Parameters)
	})
}

func apiCall(ctx domain.Context, params map[string]any) (any, error) {
	method := strings.ToUpper(stringParam(params, "method"))
	url := stringParam(params, "url")

	var body io.Reader
	// body is ignored for GET/HEAD.
	if b := stringParam(params, "body"); b != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("op=tools.api_call: %w", err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=tools.api_call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apiCallBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("op=tools.api_call: %w", err)
	}
	return map[string]any{
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(raw),
	}, nil
}
