package toolcall

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Target names where an I/O-bearing tool operates.
type Target string

const (
	// TargetServer is the server workspace, the default for unprefixed paths.
	TargetServer Target = "server"
	// TargetClient delegates to the connected desktop agent.
	TargetClient Target = "client"
	// TargetEditor addresses an in-browser editor buffer.
	TargetEditor Target = "editor"
)

// Route is a parsed prefix-routed path. For editor routes, Source says where
// the content comes from when the buffer is loaded from a file
// (editor:server:X, editor:client:X); it is TargetEditor for a plain
// editor:X buffer reference.
type Route struct {
	Target Target
	Source Target
	Path   string
}

// ParsePath applies the routing grammar: "server:", "client:" and "editor:"
// prefixes are recognized, an unprefixed path is a server path, and a prefix
// with an empty tail is a validation error. editor: composes once with
// server: or client:.
func ParsePath(path string) (Route, error) {
	target, rest, err := splitPrefix(path)
	if err != nil {
		return Route{}, err
	}
	if target != TargetEditor {
		return Route{Target: target, Source: target, Path: rest}, nil
	}
	// editor: composes once with server: or client: to load a file into the
	// buffer; anything else is a plain buffer reference.
	for _, source := range []Target{TargetServer, TargetClient} {
		prefix := string(source) + ":"
		if !strings.HasPrefix(rest, prefix) {
			continue
		}
		tail := strings.TrimPrefix(rest, prefix)
		if tail == "" {
			return Route{}, fmt.Errorf("op=toolcall.route: prefix %q requires a path: %w", prefix, domain.ErrInvalidArgument)
		}
		return Route{Target: TargetEditor, Source: source, Path: tail}, nil
	}
	if strings.HasPrefix(rest, string(TargetEditor)+":") {
		return Route{}, fmt.Errorf("op=toolcall.route: path %q: editor prefix cannot nest: %w", path, domain.ErrInvalidArgument)
	}
	return Route{Target: TargetEditor, Source: TargetEditor, Path: rest}, nil
}

func splitPrefix(path string) (Target, string, error) {
	for _, t := range []Target{TargetServer, TargetClient, TargetEditor} {
		prefix := string(t) + ":"
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if rest == "" {
			return "", "", fmt.Errorf("op=toolcall.route: prefix %q requires a path: %w", prefix, domain.ErrInvalidArgument)
		}
		return t, rest, nil
	}
	if path == "" {
		return "", "", fmt.Errorf("op=toolcall.route: empty path: %w", domain.ErrInvalidArgument)
	}
	return TargetServer, path, nil
}

// SanitizeServerPath strips parent-directory segments and leading separators
// so server writes stay inside the workspace root.
func SanitizeServerPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		clean = append(clean, part)
	}
	return strings.Join(clean, "/")
}
