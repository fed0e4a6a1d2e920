// Package rag implements the Retriever over a Qdrant-style vector store
// plus an OpenAI-compatible embeddings endpoint.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

const (
	collection = "workspace_files"
	vectorSize = 1536
	topK       = 5
)

// Retriever stores ingested file text as embedded points and answers
// queries with the nearest payloads' text.
type Retriever struct {
	vectorURL    string
	vectorAPIKey string
	embedURL     string
	embedAPIKey  string
	embedModel   string
	hc           *http.Client
}

// New constructs a Retriever from config. Callers should skip construction
// when VECTOR_URL is empty.
func New(cfg config.Config) *Retriever {
	return &Retriever{
		vectorURL:    strings.TrimRight(cfg.VectorURL, "/"),
		vectorAPIKey: cfg.VectorAPIKey,
		embedURL:     strings.TrimRight(cfg.GeneratorBaseURL, "/") + "/embeddings",
		embedAPIKey:  cfg.GeneratorAPIKey,
		embedModel:   "text-embedding-3-small",
		hc:           &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureCollection creates the backing collection if it does not exist.
// Called once at startup.
func (r *Retriever) EnsureCollection(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", r.vectorURL, collection), nil)
	r.setVectorHeaders(req)
	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=rag.ensure: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": "Cosine"},
	})
	req, _ = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", r.vectorURL, collection), bytes.NewReader(payload))
	r.setVectorHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=rag.ensure: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=rag.ensure: create status %d", resp.StatusCode)
	}
	return nil
}

// Ingest embeds text and upserts it keyed by a fresh point id with the path
// in the payload.
func (r *Retriever) Ingest(ctx domain.Context, path, text string) error {
	vector, err := r.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("op=rag.ingest: %w", err)
	}
	body, _ := json.Marshal(map[string]any{
		"points": []map[string]any{{
			"id":      uuid.NewString(),
			"vector":  vector,
			"payload": map[string]any{"path": path, "text": text},
		}},
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points", r.vectorURL, collection), bytes.NewReader(body))
	r.setVectorHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=rag.ingest: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=rag.ingest: upsert status %d", resp.StatusCode)
	}
	return nil
}

// Query embeds the query and returns the nearest payload texts joined by
// blank lines. An empty store yields an empty string, not an error.
func (r *Retriever) Query(ctx domain.Context, query string) (string, error) {
	vector, err := r.embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("op=rag.query: %w", err)
	}
	body, _ := json.Marshal(map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", r.vectorURL, collection), bytes.NewReader(body))
	r.setVectorHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=rag.query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=rag.query: search status %d", resp.StatusCode)
	}
	var out struct {
		Result []struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=rag.query: %w", err)
	}
	chunks := make([]string, 0, len(out.Result))
	for _, hit := range out.Result {
		if text, ok := hit.Payload["text"].(string); ok {
			chunks = append(chunks, text)
		}
	}
	return strings.Join(chunks, "\n\n"), nil
}

func (r *Retriever) embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(map[string]any{"model": r.embedModel, "input": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.embedURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.embedAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embeddings status %d", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embeddings returned no data")
	}
	return out.Data[0].Embedding, nil
}

func (r *Retriever) setVectorHeaders(req *http.Request) {
	if r.vectorAPIKey != "" {
		req.Header.Set("api-key", r.vectorAPIKey)
	}
}
