// Package real implements the Generator over an OpenAI-compatible chat
// completions API (OpenRouter by default).
package real

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Client implements domain.Generator against a chat completions endpoint.
type Client struct {
	cfg config.Config
	hc  *http.Client

	mu         sync.Mutex
	lastSystem string
	lastPrompt string
	lastReply  string
}

// New constructs the client. The HTTP timeout tracks GENERATOR_TIMEOUT.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.GeneratorTimeout},
	}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetGenBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// Generate runs one chat round-trip. 429 and 5xx are retried under backoff;
// other 4xx are permanent.
func (c *Client) Generate(ctx domain.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if c.cfg.GeneratorAPIKey == "" {
		return domain.GenerateResponse{}, fmt.Errorf("op=ai.generate: GENERATOR_API_KEY missing: %w", domain.ErrInvalidArgument)
	}

	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	body, _ := json.Marshal(map[string]any{
		"model":       c.cfg.GeneratorModel,
		"temperature": 0.2,
		"messages":    messages,
	})

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	endpoint := c.cfg.GeneratorBaseURL + "/chat/completions"
	op := func() error {
		// Rebuild the request each attempt; retried bodies cannot be reused.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.GeneratorAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("generator rate limited", slog.String("model", c.cfg.GeneratorModel))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("chat status %d: %s", resp.StatusCode, snippet(raw)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Error("generator non-2xx",
				slog.Int("status", resp.StatusCode), slog.String("body", snippet(raw)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		return json.Unmarshal(raw, &out)
	}

	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=ai.generate: %w", err)
	}
	if len(out.Choices) == 0 {
		return domain.GenerateResponse{}, errors.New("op=ai.generate: empty choices")
	}

	reply := out.Choices[0].Message.Content
	c.mu.Lock()
	c.lastSystem, c.lastPrompt, c.lastReply = req.SystemPrompt, req.Prompt, reply
	c.mu.Unlock()

	return domain.GenerateResponse{
		Text:         reply,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// Last returns the most recent exchange, for debug_echo.
func (c *Client) Last() (systemPrompt, prompt, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSystem, c.lastPrompt, c.lastReply
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
