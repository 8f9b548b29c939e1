// Package audit writes and reads the two JSONL logs spec.md's external
// interfaces section names: history/<YYYY-MM-DD>.jsonl (one line per
// turn, any role, any user) and logs/tool-calls.jsonl (one line per tool
// invocation). Grounded on
// _examples/SnapdragonPartners-maestro/pkg/eventlog/writer.go's daily
// rotated JSONL writer (mutex-guarded *os.File, O_APPEND, fsync after
// every write, Read-back-by-scanning-newlines).
package audit

import "time"

// HistoryEntry is one line of history/<date>.jsonl.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Platform  string    `json:"platform,omitempty"`
}

// ToolCallEntry is one line of logs/tool-calls.jsonl.
type ToolCallEntry struct {
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
}
