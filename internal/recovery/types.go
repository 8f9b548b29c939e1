// Package recovery implements CrashRecovery + RestartProtocol: per-user
// pending-message checkpoints, the restart marker / exit-code-42
// cooperative-restart handshake, and config pre-restart snapshot/rollback,
// per spec.md 4.H.
//
// Grounded on _examples/vanducng-goclaw/internal/sessions/manager.go's
// atomic temp-file+rename+fsync write idiom (reused here for checkpoint
// and marker files) and cmd/root.go + cmd/gateway.go for the top-level
// process structure a supervisor loop wraps. The exit-code-42 handshake
// itself is not present anywhere in the retrieval pack — it is authored
// fresh from spec.md 4.H's contract, using the same atomic-file idiom for
// every write this package performs.
package recovery

import "time"

// Checkpoint is a PendingCheckpoint per spec.md's data model: at most one
// per user, written before an LLM prompt and deleted on every exit path.
type Checkpoint struct {
	Text      string    `json:"text"`
	ChannelID string    `json:"channel_id"`
	Platform  string    `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
}

// RestartMarker is the single-slot record written before a cooperative
// restart and read back on the next startup.
type RestartMarker struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Platform  string `json:"platform"`
	Reason    string `json:"reason"`
}

// RecoveredCheckpoint pairs a checkpoint with the user it belonged to,
// for checkpoints old enough to be real (not a same-second restart) but
// not so old the user has moved on.
type RecoveredCheckpoint struct {
	UserID string
	Checkpoint
}

const (
	// minCheckpointAge/maxCheckpointAge bound the window in which a
	// leftover checkpoint is worth notifying about, per spec.md 4.H.
	minCheckpointAge = 2 * time.Minute
	maxCheckpointAge = time.Hour

	// RestartExitCode is returned by the process to signal the
	// supervisor loop it should relaunch immediately, no backoff delay.
	RestartExitCode = 42
)
