package recovery

import (
	"os"
	"path/filepath"
)

const restartMarkerFile = "restart.json"

func (m *Manager) restartMarkerPath() string {
	return filepath.Join(m.pendingDir, restartMarkerFile)
}

// WriteRestartMarker persists marker before a cooperative restart.
func (m *Manager) WriteRestartMarker(marker RestartMarker) error {
	return writeJSONAtomic(m.restartMarkerPath(), marker)
}

// ReadAndClearRestartMarker reads the restart marker on startup, deleting
// it so a later crash doesn't replay a stale "back online" notice.
func (m *Manager) ReadAndClearRestartMarker() (*RestartMarker, bool, error) {
	var marker RestartMarker
	ok, err := readJSON(m.restartMarkerPath(), &marker)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if rmErr := os.Remove(m.restartMarkerPath()); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, false, rmErr
	}
	return &marker, true, nil
}

// RequestRestart writes the restart marker and returns the exit code the
// caller should pass to os.Exit — per spec.md 4.H, code 42 tells the
// supervisor loop to relaunch immediately with no backoff delay, as
// opposed to any other non-zero exit which gets a delayed relaunch.
func (m *Manager) RequestRestart(marker RestartMarker) (int, error) {
	if err := m.WriteRestartMarker(marker); err != nil {
		return 1, err
	}
	return RestartExitCode, nil
}
