package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/dispatcher"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/event"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/queue"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/resolver"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/workerpool"
)

type stubGenerator struct{}

func (stubGenerator) Generate(_ domain.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	return domain.GenerateResponse{Text: "ok: " + req.Prompt, InputTokens: 10, OutputTokens: 5}, nil
}

func newTestHandler(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	bus := event.NewBus()
	res := resolver.New(store)
	q := queue.New(store, store.Results(), res, bus, queue.Options{})
	pool := workerpool.New(workerpool.Config{MinWorkers: 1, MaxWorkers: 2}, stubGenerator{}, store, store.Workers(), q, bus, nil)
	d := dispatcher.New(q, store, store.Workers(), res, pool, 0)
	srv := &httpserver.Server{
		Cfg:       config.Config{},
		Queue:     q,
		Workflows: d,
		Jobs:      store,
		Results:   store.Results(),
		Workers:   store.Workers(),
	}
	return app.BuildRouter(config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 1000}, srv), store
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob_Created(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name": "summarize",
		"type": "prompt",
		"payload": map[string]any{
			"prompt": "summarize the notes",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, "normal", got["band"])
}

func TestSubmitJob_ValidationFailed(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{"type": "prompt"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
	assert.Contains(t, rec.Body.String(), "required")
}

func TestSubmitJob_UnknownDependencyRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name":         "blocked",
		"type":         "prompt",
		"dependencies": []string{"no-such-job"},
		"payload":      map[string]any{"prompt": "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatch_Created(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs/batch", map[string]any{
		"jobs": []map[string]any{
			{"name": "a", "type": "prompt", "payload": map[string]any{"prompt": "a"}},
			{"name": "b", "type": "prompt", "payload": map[string]any{"prompt": "b"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 2)
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestSubmitThenGetAndList(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name":     "fetch",
		"type":     "tool",
		"priority": 1,
		"payload":  map[string]any{"toolName": "debug_echo", "toolArgs": map[string]any{"message": "hi"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	got := httptest.NewRecorder()
	h.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), `"band":"high"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs?status=queued", nil)
	list := httptest.NewRecorder()
	h.ServeHTTP(list, req)
	require.Equal(t, http.StatusOK, list.Code)
	var body struct {
		Jobs   []map[string]any `json:"jobs"`
		Counts map[string]int   `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, 1, body.Counts["queued"])
}

func TestCancelThenConflictOnSecondCancel(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name":    "doomed",
		"type":    "prompt",
		"payload": map[string]any{"prompt": "x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	first := postJSON(t, h, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := postJSON(t, h, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestSubmitWorkflow_SequentialChain(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/workflows", map[string]any{
		"name": "pipeline",
		"mode": "sequential",
		"steps": []map[string]any{
			{"name": "one", "type": "prompt", "payload": map[string]any{"prompt": "first"}},
			{"name": "two", "type": "prompt", "payload": map[string]any{"prompt": "second"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Workflow map[string]any   `json:"workflow"`
		Steps    []map[string]any `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "workflow", body.Workflow["type"])
	require.Len(t, body.Steps, 2)
	// The second step depends on the first.
	deps, _ := body.Steps[1]["dependencies"].([]any)
	require.Len(t, deps, 1)
	assert.Equal(t, body.Steps[0]["id"], deps[0])
}

func TestDeleteJob(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name":    "ephemeral",
		"type":    "prompt",
		"payload": map[string]any{"prompt": "x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+id, nil)
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	require.Equal(t, http.StatusNoContent, del.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	got := httptest.NewRecorder()
	h.ServeHTTP(got, req)
	require.Equal(t, http.StatusNotFound, got.Code)
}

func TestHealthReportsQueueAndWorkers(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := postJSON(t, h, "/v1/jobs", map[string]any{
		"name":    "pending-one",
		"type":    "prompt",
		"payload": map[string]any{"prompt": "x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	got := httptest.NewRecorder()
	h.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	var body struct {
		Queue   map[string]int `json:"queue"`
		Workers map[string]int `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Queue["pending"])
	assert.Equal(t, 0, body.Queue["running"])
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
