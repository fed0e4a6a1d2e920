package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		target Target
		source Target
		rest   string
	}{
		{"bare path is server", "notes/todo.md", TargetServer, TargetServer, "notes/todo.md"},
		{"explicit server", "server:notes/todo.md", TargetServer, TargetServer, "notes/todo.md"},
		{"client", "client:/tmp/x", TargetClient, TargetClient, "/tmp/x"},
		{"editor buffer", "editor:main.go", TargetEditor, TargetEditor, "main.go"},
		{"editor from server", "editor:server:src/main.go", TargetEditor, TargetServer, "src/main.go"},
		{"editor from client", "editor:client:/home/u/x.go", TargetEditor, TargetClient, "/home/u/x.go"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			route, err := ParsePath(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.target, route.Target)
			assert.Equal(t, tc.source, route.Source)
			assert.Equal(t, tc.rest, route.Path)
		})
	}
}

func TestParsePath_EmptyTailsRejected(t *testing.T) {
	for _, path := range []string{"", "server:", "client:", "editor:", "editor:server:", "editor:client:"} {
		t.Run("path="+path, func(t *testing.T) {
			_, err := ParsePath(path)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestParsePath_NestedEditorRejected(t *testing.T) {
	_, err := ParsePath("editor:editor:x")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSanitizeServerPath(t *testing.T) {
	cases := map[string]string{
		"notes/todo.md":        "notes/todo.md",
		"/etc/passwd":          "etc/passwd",
		"../../etc/passwd":     "etc/passwd",
		"a/./b/../c":           "a/b/c",
		"..\\..\\windows\\sys": "windows/sys",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeServerPath(in), "input %q", in)
	}
}
