package sessions

import "time"

const (
	idleThreshold  = 30 * time.Minute
	usageThreshold = 0.30
)

// NeedsIdleCompaction reports whether userID's cached session qualifies for
// the idle compaction pass: last USER message at least idleThreshold old
// AND context usage at least usageThreshold, per spec.md 4.D.
func (m *Manager) NeedsIdleCompaction(userID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || s.LastUserMessageAt.IsZero() {
		return false
	}
	if now.Sub(s.LastUserMessageAt) < idleThreshold {
		return false
	}
	return s.contextUsage() >= usageThreshold
}

// IdleCompactionCandidates returns every cached user id currently eligible
// for the idle compaction pass: idle past idleThreshold and at or above
// usageThreshold of the context window.
func (m *Manager) IdleCompactionCandidates(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for userID, s := range m.sessions {
		if s.LastUserMessageAt.IsZero() || now.Sub(s.LastUserMessageAt) < idleThreshold {
			continue
		}
		if s.contextUsage() >= usageThreshold {
			out = append(out, userID)
		}
	}
	return out
}

// AllCachedUserIDs returns every user id currently in the session cache.
func (m *Manager) AllCachedUserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		out = append(out, userID)
	}
	return out
}

const (
	// IdleCompactionPrompt emphasizes preserving preferences, commitments,
	// and ongoing threads while discarding verbose tool output.
	IdleCompactionPrompt = "Summarize this conversation so far. Preserve user preferences, " +
		"commitments, and ongoing threads in detail. Discard verbose tool output and " +
		"resolved housekeeping."

	// NightlyCompactionPrompt is used for the unconditional 03:00 pass.
	NightlyCompactionPrompt = "Summarize today's conversation as a end-of-day digest: what was " +
		"discussed, decided, or committed to. Discard verbose tool output."
)
