package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Manager is the per-user session cache plus its on-disk persistence.
type Manager struct {
	storage string

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex // per-user single-flight for GetOrLoad
	recovered map[string]bool       // users whose session was quarantined and recreated
}

func NewManager(storage string) *Manager {
	m := &Manager{
		storage:   storage,
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*sync.Mutex),
		recovered: make(map[string]bool),
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
	}
	return m
}

func (m *Manager) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// GetOrLoad returns the cached session for userID, loading it from disk on
// first access. A corrupt session file is quarantined (renamed with a
// -corrupt-<unix ts> suffix) and a fresh session is returned in its place;
// recovered reports this so the Dispatcher can notify the user on their
// next message.
func (m *Manager) GetOrLoad(userID string) (session *Session, recovered bool, err error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if s, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	m.mu.Unlock()

	s, recovered, err := m.loadFromDisk(userID)
	if err != nil {
		return nil, false, err
	}
	RepairTranscript(s)

	m.mu.Lock()
	m.sessions[userID] = s
	if recovered {
		m.recovered[userID] = true
	}
	m.mu.Unlock()
	return s, recovered, nil
}

// TakeRecovered reports and clears whether userID's session was recently
// quarantine-recovered, so the Dispatcher notifies exactly once.
func (m *Manager) TakeRecovered(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recovered[userID]
	delete(m.recovered, userID)
	return r
}

func (m *Manager) loadFromDisk(userID string) (*Session, bool, error) {
	if m.storage == "" {
		return m.fresh(userID), false, nil
	}
	path := m.sessionPath(userID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m.fresh(userID), false, nil
		}
		return nil, false, fmt.Errorf("read session %s: %w", userID, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		quarantinePath := path + "-corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		_ = os.Rename(path, quarantinePath)
		return m.fresh(userID), true, nil
	}
	return &s, false, nil
}

func (m *Manager) fresh(userID string) *Session {
	now := time.Now()
	return &Session{UserID: userID, Messages: []providers.Message{}, Created: now, Updated: now}
}

func (m *Manager) sessionPath(userID string) string {
	return filepath.Join(m.storage, sanitizeFilename(userID)+".json")
}

func sanitizeFilename(userID string) string {
	return strings.ReplaceAll(userID, string(filepath.Separator), "_")
}

// AddMessage appends a message to userID's session and updates Updated.
func (m *Manager) AddMessage(userID string, msg providers.Message, isUserMessage bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
	if isUserMessage {
		s.LastUserMessageAt = s.Updated
	}
}

// AccumulateTokens adds token counts from a completed prompt.
func (m *Manager) AccumulateTokens(userID string, input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

// SetLastPromptTokens records actual prompt token usage for the idle
// compaction context-usage check.
func (m *Manager) SetLastPromptTokens(userID string, tokens, msgCount, contextWindow int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.LastPromptTokens = tokens
		s.LastMessageCount = msgCount
		if contextWindow > 0 {
			s.ContextWindow = contextWindow
		}
	}
}

// IncrementCompaction bumps the compaction counter.
func (m *Manager) IncrementCompaction(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.CompactionCount++
	}
}

// TruncateHistory keeps only the last N messages, used by compaction after
// the summarizing prompt has run.
func (m *Manager) TruncateHistory(userID string, keepLast int, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	if keepLast <= 0 {
		s.Messages = []providers.Message{}
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	if summary != "" {
		s.Messages = append([]providers.Message{{Role: "system", Content: "Summary of earlier conversation: " + summary}}, s.Messages...)
	}
	s.Updated = time.Now()
}

// Reset clears history (used by /clear before Delete removes the file).
func (m *Manager) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.Messages = []providers.Message{}
		s.Updated = time.Now()
	}
}

// Delete disposes the cached session and removes its file, per /clear.
func (m *Manager) Delete(userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()

	if m.storage == "" {
		return nil
	}
	if err := os.Remove(m.sessionPath(userID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns lightweight descriptors for every cached session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{UserID: s.UserID, MessageCount: len(s.Messages), Created: s.Created, Updated: s.Updated})
	}
	return out
}

// Snapshot returns a defensive copy of userID's cached session, or nil.
func (m *Manager) Snapshot(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	cp := *s
	cp.Messages = append([]providers.Message(nil), s.Messages...)
	return &cp
}

// Save persists userID's session atomically (temp file + fsync + rename),
// the same idiom the teacher's manager.go Save uses.
func (m *Manager) Save(userID string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	snapshot := *s
	snapshot.Messages = append([]providers.Message(nil), s.Messages...)
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	path := m.sessionPath(userID)
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
