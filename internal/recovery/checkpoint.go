package recovery

import (
	"os"
	"path/filepath"
	"time"
)

// Manager owns the pending directory holding per-user checkpoints, the
// restart marker, and the config pre-restart snapshot.
type Manager struct {
	pendingDir string
	configPath string
}

// NewManager builds a Manager. configPath is the live config file path,
// used only by SnapshotConfig/RollbackConfig.
func NewManager(pendingDir, configPath string) *Manager {
	return &Manager{pendingDir: pendingDir, configPath: configPath}
}

func (m *Manager) checkpointPath(userID string) string {
	return filepath.Join(m.pendingDir, userID+".json")
}

// WriteCheckpoint persists userID's in-flight message. Invariant: at most
// one per user — a second call simply overwrites the first, since a user
// has exactly one in-flight message at a time (the Dispatcher is
// serialized per user via SessionManager's single-flight lock).
func (m *Manager) WriteCheckpoint(userID string, cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return writeJSONAtomic(m.checkpointPath(userID), cp)
}

// DeleteCheckpoint removes userID's checkpoint, if any. Called on every
// exit path after a prompt — success or failure.
func (m *Manager) DeleteCheckpoint(userID string) error {
	err := os.Remove(m.checkpointPath(userID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ScanOnStartup reads every checkpoint file in the pending directory,
// always deleting it (so a repeat startup never re-notifies), and
// returns those worth telling the user about: age in [2min, 1hr]. Older
// or younger checkpoints are discarded silently — too young suggests the
// process barely started the request, too old suggests the user already
// moved on.
func (m *Manager) ScanOnStartup() ([]RecoveredCheckpoint, error) {
	entries, err := os.ReadDir(m.pendingDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var recovered []RecoveredCheckpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if e.Name() == restartMarkerFile {
			continue
		}
		userID := e.Name()[:len(e.Name())-len(".json")]
		path := filepath.Join(m.pendingDir, e.Name())

		var cp Checkpoint
		ok, readErr := readJSON(path, &cp)
		_ = os.Remove(path) // always delete before notifying, per spec.md 4.H
		if readErr != nil || !ok {
			continue
		}

		age := now.Sub(cp.Timestamp)
		if age < minCheckpointAge || age > maxCheckpointAge {
			continue
		}
		recovered = append(recovered, RecoveredCheckpoint{UserID: userID, Checkpoint: cp})
	}
	return recovered, nil
}
