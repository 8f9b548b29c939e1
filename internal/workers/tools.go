package workers

import (
	"fmt"
	"os"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// executeWorkerTool dispatches a single tool call the worker's Chat loop
// requested. read_file/write_file are always handled locally; anything else
// in the allow-list (web_search, fetch_url) is not wired into this runtime —
// the teacher's concrete implementations in internal/tools are host-session
// tools, not worker-scoped ones, so a worker calling them gets a clear error
// rather than a silent no-op.
func (rt *Runtime) executeWorkerTool(dir string, call providers.ToolCall) string {
	switch call.Name {
	case "read_file":
		name, _ := call.Arguments["name"].(string)
		content, err := readScopedFile(dir, name)
		if err != nil {
			return "error: " + err.Error()
		}
		return content
	case "write_file":
		name, _ := call.Arguments["name"].(string)
		content, _ := call.Arguments["content"].(string)
		if err := writeScopedFile(dir, name, content); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	default:
		return fmt.Sprintf("error: tool %q is not available inside a worker session", call.Name)
	}
}

// readScopedFile implements the worker's read_file tool: reads name from
// dir, rejecting any path escape via resolveScopedPath.
func readScopedFile(dir, name string) (string, error) {
	resolved, err := resolveScopedPath(name, dir)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

// writeScopedFile implements the worker's write_file tool: validates the
// filename per spec.md 4.B (length, no separators, no leading dot, not a
// reserved control file) and the 100 KiB size cap before writing.
func writeScopedFile(dir, name, content string) error {
	if err := validFilename(name); err != nil {
		return err
	}
	if len(content) > maxWorkerFileBytes {
		return fmt.Errorf("file content exceeds %d bytes", maxWorkerFileBytes)
	}
	resolved, err := resolveScopedPath(name, dir)
	if err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}
