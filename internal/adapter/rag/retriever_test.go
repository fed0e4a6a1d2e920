package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
)

func newTestRetriever(t *testing.T) (*Retriever, *[]string) {
	t.Helper()
	var paths []string
	embed := func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", embed)
	mux.HandleFunc("/collections/workspace_files", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/workspace_files/points", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/workspace_files/points/search", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"payload": map[string]any{"path": "notes.md", "text": "first chunk"}},
				{"payload": map[string]any{"path": "todo.md", "text": "second chunk"}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(config.Config{
		VectorURL:        srv.URL,
		GeneratorBaseURL: srv.URL,
		GeneratorAPIKey:  "test",
	}), &paths
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	r, paths := newTestRetriever(t)
	require.NoError(t, r.EnsureCollection(context.Background()))
	assert.Equal(t, []string{
		"GET /collections/workspace_files",
		"PUT /collections/workspace_files",
	}, *paths)
}

func TestIngestUpsertsPoint(t *testing.T) {
	r, paths := newTestRetriever(t)
	require.NoError(t, r.Ingest(context.Background(), "notes.md", "hello world"))
	assert.Contains(t, *paths, "PUT /collections/workspace_files/points")
}

func TestQueryJoinsPayloadText(t *testing.T) {
	r, _ := newTestRetriever(t)
	got, err := r.Query(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Equal(t, "first chunk\n\nsecond chunk", got)
}
