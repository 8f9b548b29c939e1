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

// HistoryLog is the daily-rotated history/<YYYY-MM-DD>.jsonl writer.
type HistoryLog struct {
	dir         string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewHistoryLog opens (creating if needed) the history directory. The
// first file is opened lazily on the first Append call, matching the
// day the process happens to start on.
func NewHistoryLog(dir string) (*HistoryLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history log: %w", err)
	}
	return &HistoryLog{dir: dir}, nil
}

func (h *HistoryLog) rotateIfNeeded(now time.Time) error {
	date := now.UTC().Format("2006-01-02")
	if h.currentFile != nil && h.currentDate == date {
		return nil
	}
	if h.currentFile != nil {
		if err := h.currentFile.Close(); err != nil {
			return err
		}
	}
	path := filepath.Join(h.dir, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	h.currentFile = f
	h.currentDate = date
	return nil
}

// Append writes one history entry, stamping Timestamp if zero.
func (h *HistoryLog) Append(e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if err := h.rotateIfNeeded(now); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := h.currentFile.Write(append(data, '\n')); err != nil {
		return err
	}
	return h.currentFile.Sync()
}

// Close releases the currently open file handle, if any.
func (h *HistoryLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentFile == nil {
		return nil
	}
	err := h.currentFile.Close()
	h.currentFile = nil
	return err
}

// ReadSince returns entries for userID with Timestamp >= since, scanning
// today's and yesterday's files (sufficient for any "since" within the
// last 24 hours — ample for both the /log command and reflection's
// 30-minute cadence).
func (h *HistoryLog) ReadSince(userID string, since time.Time) ([]HistoryEntry, error) {
	var out []HistoryEntry
	now := time.Now().UTC()
	for _, day := range []time.Time{now.Add(-24 * time.Hour), now} {
		path := filepath.Join(h.dir, day.Format("2006-01-02")+".jsonl")
		entries, err := readHistoryFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if userID != "" && e.UserID != userID {
				continue
			}
			if e.Timestamp.Before(since) {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func readHistoryFile(path string) ([]HistoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
