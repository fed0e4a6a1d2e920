package toolcall_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/toolcall/tools"
)

func newDispatcher(t *testing.T) (*toolcall.Dispatcher, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	reg := toolcall.NewRegistry()
	tools.RegisterAll(reg, tools.Deps{WorkspaceDir: t.TempDir()})
	return toolcall.NewDispatcher(reg, store.ToolTasks(), store.ExecutionLogs()), store
}

const fencedReply = "```json\n" +
	`{"toolCalls":[` +
	`{"id":"c1","type":"send_chat","operation":"respond","parameters":{"content":"Checking..."}},` +
	`{"id":"g1","type":"sms_send","operation":"send","parameters":{"to":"not-a-phone","body":"hi"}},` +
	`{"id":"c2","type":"send_chat","operation":"respond","parameters":{"content":"Done."}}` +
	`]}` + "\n```"

func TestDispatch_FencedReplyWithFailingTool(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch(context.Background(), "msg-1", fencedReply)

	require.Len(t, res.ToolResults, 3)
	assert.True(t, res.ToolResults[0].Success)
	assert.False(t, res.ToolResults[1].Success)
	assert.True(t, res.ToolResults[2].Success, "failure must not abort later calls")

	assert.Equal(t, "Checking...\n\nDone.", res.ChatContent)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "g1")
	assert.Contains(t, res.Errors[0], "E.164")
	assert.False(t, res.Success)
}

func TestDispatch_IsIdempotentPerReply(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	first := d.Dispatch(ctx, "msg-1", fencedReply)
	second := d.Dispatch(ctx, "msg-2", fencedReply)

	assert.Equal(t, first.ChatContent, second.ChatContent)
	require.Equal(t, len(first.ToolResults), len(second.ToolResults))
	for i := range first.ToolResults {
		assert.Equal(t, first.ToolResults[i].Type, second.ToolResults[i].Type)
		assert.Equal(t, first.ToolResults[i].Success, second.ToolResults[i].Success)
	}
}

func TestDispatch_MalformedBody(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch(context.Background(), "msg-1", "here you go: {\"toolCalls\": [}")

	assert.False(t, res.Success)
	assert.Equal(t, toolcall.ParseErrorChat, res.ChatContent)
	require.Len(t, res.Errors, 1)
	assert.Empty(t, res.ToolResults)
}

func TestDispatch_ProseAroundObjectRejected(t *testing.T) {
	d, _ := newDispatcher(t)
	res := d.Dispatch(context.Background(), "msg-1", `Sure! {"toolCalls":[]} hope that helps`)

	assert.False(t, res.Success)
	assert.Equal(t, toolcall.ParseErrorChat, res.ChatContent)
}

func TestDispatch_EmptyToolCallsIsNoOp(t *testing.T) {
	d, _ := newDispatcher(t)
	for _, reply := range []string{`{"toolCalls":[]}`, `{"note":"nothing to do"}`} {
		res := d.Dispatch(context.Background(), "msg-1", reply)
		assert.True(t, res.Success, "reply %q", reply)
		assert.Empty(t, res.ChatContent)
		assert.Empty(t, res.ToolResults)
	}
}

func TestDispatch_UnknownToolFailsOnlyThatCall(t *testing.T) {
	d, _ := newDispatcher(t)
	reply := `{"toolCalls":[
		{"id":"x1","type":"definitely_not_a_tool","operation":"run","parameters":{}},
		{"id":"c1","type":"send_chat","operation":"respond","parameters":{"content":"still here"}}
	]}`
	res := d.Dispatch(context.Background(), "msg-1", reply)

	assert.False(t, res.Success)
	assert.Equal(t, "still here", res.ChatContent)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "definitely_not_a_tool")
}

func TestDispatch_SchemaValidationFailure(t *testing.T) {
	d, _ := newDispatcher(t)
	// send_chat without content fails its schema, not execution.
	res := d.Dispatch(context.Background(), "msg-1", `{"toolCalls":[{"id":"c1","type":"send_chat","operation":"respond","parameters":{}}]}`)

	assert.False(t, res.Success)
	assert.Empty(t, res.ChatContent)
	require.Len(t, res.Errors, 1)
}

func TestDispatch_PersistsToolTasks(t *testing.T) {
	d, store := newDispatcher(t)
	d.Dispatch(context.Background(), "msg-7", fencedReply)

	// One task per call, terminal statuses matching outcomes.
	tasks := store.TasksByMessage("msg-7")
	require.Len(t, tasks, 3)
	completed, failed := 0, 0
	for _, task := range tasks {
		switch task.Status {
		case domain.TaskCompleted:
			completed++
		case domain.TaskFailed:
			failed++
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
}

func TestProcessReply(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	out, handled, err := d.ProcessReply(ctx, "job-1", "plain prose, no structure")
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, out)

	out, handled, err = d.ProcessReply(ctx, "job-2", `{"toolCalls":[{"id":"c1","type":"send_chat","operation":"respond","parameters":{"content":"hi"}}]}`)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "hi", out)

	out, handled, err = d.ProcessReply(ctx, "job-3", fencedReply)
	require.Error(t, err, "failed calls fail the enclosing job")
	assert.True(t, handled)
	assert.Equal(t, "Checking...\n\nDone.", out, "chat content still delivered")
}
