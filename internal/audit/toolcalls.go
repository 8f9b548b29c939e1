package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ToolCallLog is the single append-only logs/tool-calls.jsonl file — no
// rotation, since spec.md's external-interfaces table names it as one
// file, unlike the daily-rotated history log.
type ToolCallLog struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewToolCallLog opens (creating) logs/tool-calls.jsonl under dir.
func NewToolCallLog(dir string) (*ToolCallLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tool call log: %w", err)
	}
	path := filepath.Join(dir, "tool-calls.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tool call log: %w", err)
	}
	return &ToolCallLog{path: path, file: f}, nil
}

// Append writes one tool-call entry, stamping Timestamp if zero.
func (l *ToolCallLog) Append(e ToolCallEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *ToolCallLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// TailForUser returns the last n tool-call entries for userID, newest
// last — used by the /log command (spec.md: "render last 20 tool-call
// audit entries for this user").
func (l *ToolCallLog) TailForUser(userID string, n int) ([]ToolCallEntry, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matched []ToolCallEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ToolCallEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		matched = append(matched, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched, nil
}
