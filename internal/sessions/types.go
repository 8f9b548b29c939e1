// Package sessions implements SessionManager: one persistent conversation
// per user, transcript repair, a re-rendered system-prompt closure, model
// fallback, and the two proactive-compaction schedules.
//
// Grounded directly on _examples/vanducng-goclaw/internal/sessions/manager.go
// (atomic temp-file+rename+fsync persistence, per-key lock single-flight,
// token/compaction bookkeeping fields) generalized from the teacher's
// per-agent multi-scope key (channel/group/cron/subagent variants, see the
// now-removed key.go) down to spec.md's "each User owns exactly one
// Session" ownership model — a single userId is the whole key.
package sessions

import (
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Session is one user's persisted conversation state.
type Session struct {
	UserID   string              `json:"userId"`
	Messages []providers.Message `json:"messages"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Channel  string `json:"channel,omitempty"`

	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`
	CompactionCount  int   `json:"compactionCount,omitempty"`
	ContextWindow    int   `json:"contextWindow,omitempty"`
	LastPromptTokens int   `json:"lastPromptTokens,omitempty"`
	LastMessageCount int   `json:"lastMessageCount,omitempty"`

	LastUserMessageAt time.Time `json:"lastUserMessageAt,omitempty"`
	Created           time.Time `json:"created"`
	Updated           time.Time `json:"updated"`
}

// contextUsage estimates how much of the model's context window the last
// prompt consumed, used by the idle-compaction threshold check.
func (s *Session) contextUsage() float64 {
	if s.ContextWindow <= 0 {
		return 0
	}
	return float64(s.LastPromptTokens) / float64(s.ContextWindow)
}

// Info is a lightweight session descriptor for listing/introspection.
type Info struct {
	UserID       string    `json:"userId"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}
